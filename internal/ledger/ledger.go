// Package ledger tracks compute-resource allocations obtained from a
// launcher, independent of any single job.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/musterhq/muster/internal/jobs"
	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/model"
)

// Allocation is one tracked resource reservation.
type Allocation struct {
	ID           string            `json:"id"`
	Nodes        int               `json:"nodes"`
	TasksPerNode int               `json:"tasks_per_node"`
	Duration     string            `json:"duration,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
	Adopted      bool              `json:"adopted"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Ledger records allocations keyed by their backend id. Release cascades:
// every job still bound to the allocation is cancelled before the backend
// frees it.
type Ledger struct {
	launcher launcher.Launcher
	jobs     *jobs.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	allocs map[string]*Allocation
}

// New creates a ledger backed by the given launcher and job registry.
func New(l launcher.Launcher, reg *jobs.Registry, logger *slog.Logger) *Ledger {
	return &Ledger{
		launcher: l,
		jobs:     reg,
		logger:   logger,
		allocs:   make(map[string]*Allocation),
	}
}

// Acquire requests a new allocation from the launcher and records it.
func (ld *Ledger) Acquire(ctx context.Context, req launcher.AllocationRequest) (string, error) {
	id, err := ld.launcher.AcquireAllocation(ctx, req)
	if err != nil {
		return "", fmt.Errorf("acquire allocation: %w", err)
	}

	ld.mu.Lock()
	ld.allocs[id] = &Allocation{
		ID:           id,
		Nodes:        req.Nodes,
		TasksPerNode: req.TasksPerNode,
		Duration:     req.Duration,
		Options:      req.Options,
		CreatedAt:    time.Now().UTC(),
	}
	ld.mu.Unlock()

	ld.logger.Info("allocation acquired", "allocation_id", id, "nodes", req.Nodes, "tasks_per_node", req.TasksPerNode)
	return id, nil
}

// Adopt registers an allocation created outside this process, after the
// backend confirms it exists.
func (ld *Ledger) Adopt(ctx context.Context, allocID string) error {
	if err := ld.launcher.ConfirmAllocation(ctx, allocID); err != nil {
		return fmt.Errorf("adopt allocation %q: %w", allocID, err)
	}

	ld.mu.Lock()
	ld.allocs[allocID] = &Allocation{
		ID:        allocID,
		Adopted:   true,
		CreatedAt: time.Now().UTC(),
	}
	ld.mu.Unlock()

	ld.logger.Info("allocation adopted", "allocation_id", allocID)
	return nil
}

// Get returns a copy of a tracked allocation.
func (ld *Ledger) Get(allocID string) (Allocation, bool) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	a, ok := ld.allocs[allocID]
	if !ok {
		return Allocation{}, false
	}
	return *a, true
}

// List returns copies of all tracked allocations, oldest first.
func (ld *Ledger) List() []Allocation {
	ld.mu.Lock()
	defer ld.mu.Unlock()

	out := make([]Allocation, 0, len(ld.allocs))
	for _, a := range ld.allocs {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Release stops every job bound to the allocation, frees it at the backend,
// and drops the ledger entry. Releasing an unknown (or already released)
// allocation is an error, not a no-op.
func (ld *Ledger) Release(ctx context.Context, allocID string) error {
	ld.mu.Lock()
	_, ok := ld.allocs[allocID]
	ld.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: release: allocation %q not tracked", model.ErrNotFound, allocID)
	}

	for _, j := range ld.jobs.ByAllocation(allocID) {
		if j.Status.Terminal() {
			continue
		}
		if err := ld.launcher.Cancel(ctx, j.RunID); err != nil {
			ld.logger.Warn("cancel during release", "allocation_id", allocID, "entity", j.EntityName, "error", err)
		}
		if err := ld.jobs.SetStatus(j.EntityName, model.StatusCancelled, nil); err != nil {
			ld.logger.Warn("mark cancelled during release", "entity", j.EntityName, "error", err)
		}
	}

	if err := ld.launcher.ReleaseAllocation(ctx, allocID); err != nil {
		return fmt.Errorf("release allocation %q: %w", allocID, err)
	}

	ld.mu.Lock()
	delete(ld.allocs, allocID)
	ld.mu.Unlock()

	ld.logger.Info("allocation released", "allocation_id", allocID)
	return nil
}

// ReleaseAll releases every tracked allocation, oldest first, and reports
// all failures together.
func (ld *Ledger) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, a := range ld.List() {
		if err := ld.Release(ctx, a.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
