// Package jobs tracks the runtime record of every launched entity: its
// backend run id, allocation, resolved hosts, and status.
package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/musterhq/muster/internal/model"
)

// Job is the runtime record of one launched entity instance. The entity is
// referenced by name only; the registry does not own it.
type Job struct {
	EntityName string       `json:"entity_name"`
	Kind       model.Kind   `json:"kind"`
	RunID      string       `json:"run_id"`
	AllocID    string       `json:"alloc_id,omitempty"`
	Hosts      []string     `json:"hosts,omitempty"`
	Status     model.Status `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Registry holds one job per entity name. All mutations go through the
// controller; reads may come from any goroutine and always see a consistent
// copy.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Put records a freshly submitted job, replacing any previous record for
// the same entity name. A re-launch creates a new record; it never revives
// the old one.
func (r *Registry) Put(j Job) {
	j.Hosts = cloneHosts(j.Hosts)
	r.mu.Lock()
	r.jobs[j.EntityName] = &j
	r.mu.Unlock()
}

// Get returns a copy of the job for the given entity name.
func (r *Registry) Get(entityName string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[entityName]
	if !ok {
		return Job{}, false
	}
	return snapshot(j), true
}

// SetStatus applies a status transition reported by the backend, updating
// hosts when they are known. Invalid transitions are rejected; a terminal
// job is never mutated again.
func (r *Registry) SetStatus(entityName string, status model.Status, hosts []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[entityName]
	if !ok {
		return fmt.Errorf("%w: job for entity %q", model.ErrNotFound, entityName)
	}
	if j.Status == status {
		if len(hosts) > 0 && len(j.Hosts) == 0 {
			j.Hosts = cloneHosts(hosts)
		}
		return nil
	}
	if !model.ValidTransition(j.Status, status) {
		return fmt.Errorf("job %q: invalid status transition %s -> %s", entityName, j.Status, status)
	}

	now := time.Now().UTC()
	if status == model.StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.Terminal() {
		j.FinishedAt = &now
	}
	if len(hosts) > 0 {
		j.Hosts = cloneHosts(hosts)
	}
	j.Status = status
	return nil
}

// List returns copies of all jobs, ordered by creation time then name for a
// stable view.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, snapshot(j))
	}
	sortJobs(out)
	return out
}

// Active returns copies of all non-terminal jobs. Exchange-service jobs are
// skipped unless includeExchange is set: the data-exchange service is
// long-running by design and would otherwise keep a poll loop alive forever.
func (r *Registry) Active(includeExchange bool) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Job
	for _, j := range r.jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.Kind == model.KindExchange && !includeExchange {
			continue
		}
		out = append(out, snapshot(j))
	}
	sortJobs(out)
	return out
}

// ByAllocation returns copies of all jobs bound to the given allocation.
func (r *Registry) ByAllocation(allocID string) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Job
	for _, j := range r.jobs {
		if j.AllocID == allocID {
			out = append(out, snapshot(j))
		}
	}
	sortJobs(out)
	return out
}

func snapshot(j *Job) Job {
	c := *j
	c.Hosts = cloneHosts(j.Hosts)
	return c
}

func cloneHosts(hosts []string) []string {
	if hosts == nil {
		return nil
	}
	out := make([]string, len(hosts))
	copy(out, hosts)
	return out
}

func sortJobs(js []Job) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].CreatedAt.Equal(js[k].CreatedAt) {
			return js[i].CreatedAt.Before(js[k].CreatedAt)
		}
		return js[i].EntityName < js[k].EntityName
	})
}
