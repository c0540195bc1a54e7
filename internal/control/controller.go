// Package control implements the orchestration controller: it turns user
// entities into jobs, drives the allocation ledger and launcher, runs the
// polling loop, and answers status, stop, and finished queries.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/musterhq/muster/internal/exchange"
	"github.com/musterhq/muster/internal/jobs"
	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/ledger"
	"github.com/musterhq/muster/internal/model"
	"github.com/musterhq/muster/internal/store"
)

// DefaultPollInterval is used when Poll is given a non-positive interval.
const DefaultPollInterval = 10 * time.Second

// submitWorkers bounds concurrent submissions so large ensembles are not
// dominated by serial backend round trips.
const submitWorkers = 8

// Controller coordinates jobs, allocations, and the data-exchange service
// over one launcher. It runs on the caller's goroutine; there is no
// internal scheduler.
type Controller struct {
	launcher launcher.Launcher
	jobs     *jobs.Registry
	ledger   *ledger.Ledger
	exchange *exchange.Manager
	history  store.Store
	logger   *slog.Logger
}

// New creates a controller. exch and history may be nil when the experiment
// has no data-exchange service or no persistent history.
func New(l launcher.Launcher, exch *exchange.Manager, history store.Store, logger *slog.Logger) *Controller {
	reg := jobs.NewRegistry()
	return &Controller{
		launcher: l,
		jobs:     reg,
		ledger:   ledger.New(l, reg, logger),
		exchange: exch,
		history:  history,
		logger:   logger,
	}
}

// Jobs returns the controller's job registry for read-side queries.
func (c *Controller) Jobs() *jobs.Registry { return c.jobs }

// Ledger returns the controller's allocation ledger.
func (c *Controller) Ledger() *ledger.Ledger { return c.ledger }

// Launcher returns the active backend driver.
func (c *Controller) Launcher() launcher.Launcher { return c.launcher }

// unit is one concrete process launch derived from an entity.
type unit struct {
	name     string
	kind     model.Kind
	settings model.RunSettings
}

// expand flattens an entity into launchable units, dispatching on the kind
// tag once. Ensembles expand to their members, the exchange service to its
// shard nodes.
func expand(entity model.Entity) ([]unit, error) {
	switch entity.EntityKind() {
	case model.KindRun:
		r, ok := entity.(*model.Run)
		if !ok {
			return nil, fmt.Errorf("entity %q: kind run with unexpected type %T", entity.EntityName(), entity)
		}
		return []unit{{name: r.Name, kind: model.KindRun, settings: r.Settings}}, nil

	case model.KindEnsemble:
		e, ok := entity.(*model.Ensemble)
		if !ok {
			return nil, fmt.Errorf("entity %q: kind ensemble with unexpected type %T", entity.EntityName(), entity)
		}
		var units []unit
		for _, m := range e.Members() {
			units = append(units, unit{name: m.Name, kind: model.KindRun, settings: m.Settings})
		}
		return units, nil

	case model.KindExchange:
		switch v := entity.(type) {
		case *model.ShardNode:
			return []unit{{name: v.Name, kind: model.KindExchange, settings: v.Settings}}, nil
		case *model.ExchangeService:
			var units []unit
			for _, n := range v.Nodes {
				s := n.Settings
				if s.AllocID == "" {
					s.AllocID = v.AllocID
				}
				units = append(units, unit{name: n.Name, kind: model.KindExchange, settings: s})
			}
			return units, nil
		}
		return nil, fmt.Errorf("entity %q: kind exchange with unexpected type %T", entity.EntityName(), entity)
	}
	return nil, fmt.Errorf("entity %q: unknown kind %q", entity.EntityName(), entity.EntityKind())
}

type submitResult struct {
	runID string
	err   error
}

// Start submits every entity independently: ensembles expand to members,
// the exchange service to its shard nodes. All submissions are attempted
// even when earlier ones fail; failures are aggregated and reported, and
// already-submitted jobs are left running. A failed submission leaves no
// job record. No dependency ordering is enforced between entities; callers
// needing the exchange service up first must start it and confirm readiness
// before starting its consumers.
func (c *Controller) Start(ctx context.Context, entities ...model.Entity) error {
	var units []unit
	var errs []error
	for _, entity := range entities {
		u, err := expand(entity)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		units = append(units, u...)
	}

	// Resolve data-exchange environment up front, on the caller's
	// goroutine. A consumer whose service is not reachable yet fails here
	// without touching the backend.
	ready := make([]bool, len(units))
	for i := range units {
		if err := c.bindExchangeEnv(&units[i]); err != nil {
			errs = append(errs, fmt.Errorf("start %q: %w", units[i].name, err))
			continue
		}
		ready[i] = true
	}

	results := make([]submitResult, len(units))
	sem := make(chan struct{}, submitWorkers)
	var wg sync.WaitGroup
	for i := range units {
		if !ready[i] {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			u := units[i]
			spec := launcher.JobSpec{
				Name:         u.name,
				Exe:          u.settings.Exe,
				Args:         u.settings.Args,
				Dir:          u.settings.Dir,
				Env:          u.settings.Env,
				Nodes:        u.settings.Nodes,
				TasksPerNode: u.settings.TasksPerNode,
			}
			runID, err := c.launcher.Submit(ctx, spec, u.settings.AllocID)
			results[i] = submitResult{runID: runID, err: err}
		}(i)
	}
	wg.Wait()

	// Registry writes happen here, serialized, in unit order.
	for i, u := range units {
		if !ready[i] {
			continue
		}
		if results[i].err != nil {
			submissionsTotal.WithLabelValues("rejected").Inc()
			errs = append(errs, fmt.Errorf("start %q: %w", u.name, results[i].err))
			continue
		}

		submissionsTotal.WithLabelValues("ok").Inc()
		c.jobs.Put(jobs.Job{
			EntityName: u.name,
			Kind:       u.kind,
			RunID:      results[i].runID,
			AllocID:    u.settings.AllocID,
			Status:     model.StatusSubmitted,
			CreatedAt:  time.Now().UTC(),
		})
		c.recordEvent(ctx, u.name, results[i].runID, model.StatusNotStarted, model.StatusSubmitted, nil)
		c.logger.Info("job submitted", "entity", u.name, "run_id", results[i].runID, "kind", u.kind)
	}
	c.updateActiveGauge()

	return errors.Join(errs...)
}

// bindExchangeEnv overlays the data-exchange client environment onto a unit
// that has a registered producer. Units without connections are untouched.
func (c *Controller) bindExchangeEnv(u *unit) error {
	if c.exchange == nil || u.kind == model.KindExchange {
		return nil
	}
	if _, ok := c.exchange.Junction.FirstProducerFor(u.name); !ok {
		return nil
	}

	bound, err := c.exchange.Bind(u.name, c.jobs)
	if err != nil {
		return err
	}
	env := make(map[string]string, len(u.settings.Env)+len(bound))
	for k, v := range u.settings.Env {
		env[k] = v
	}
	for k, v := range bound {
		env[k] = v
	}
	u.settings.Env = env
	return nil
}

type pollOutcome struct {
	job jobs.Job
	res launcher.PollResult
	err error
}

// Poll blocks until every tracked non-terminal job reaches a terminal
// status, querying the launcher every interval. Exchange-service jobs are
// excluded from the exit condition unless includeExchange is set. Query
// failures are transient: they are logged and retried on the next tick
// without changing job status. Cancel the context to stop the loop.
func (c *Controller) Poll(ctx context.Context, interval time.Duration, includeExchange, verbose bool) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		if remaining := c.PollOnce(ctx, includeExchange, verbose); remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PollOnce runs a single poll tick: it queries every non-terminal job
// concurrently, joins the results, and applies them to the registry. It
// returns the number of jobs still active afterwards.
func (c *Controller) PollOnce(ctx context.Context, includeExchange, verbose bool) int {
	active := c.jobs.Active(includeExchange)
	if len(active) == 0 {
		return 0
	}

	start := time.Now()
	pollTicksTotal.Inc()

	outcomes := make([]pollOutcome, len(active))
	var wg sync.WaitGroup
	for i, j := range active {
		wg.Add(1)
		go func(i int, j jobs.Job) {
			defer wg.Done()
			res, err := c.launcher.Poll(ctx, j.RunID)
			outcomes[i] = pollOutcome{job: j, res: res, err: err}
		}(i, j)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			c.logger.Warn("poll query failed, will retry", "entity", o.job.EntityName, "run_id", o.job.RunID, "error", o.err)
			continue
		}
		c.applyPoll(ctx, o.job, o.res, verbose)
	}
	c.updateActiveGauge()
	pollTickDuration.Observe(time.Since(start).Seconds())

	return len(c.jobs.Active(includeExchange))
}

// applyPoll folds one backend report into the registry. A job stays
// submitted until the backend reports it active on known hosts.
func (c *Controller) applyPoll(ctx context.Context, j jobs.Job, res launcher.PollResult, verbose bool) {
	next := res.Status
	if next == model.StatusRunning && len(res.Hosts) == 0 {
		next = model.StatusSubmitted
	}
	if next == j.Status {
		if len(res.Hosts) > 0 && len(j.Hosts) == 0 {
			if err := c.jobs.SetStatus(j.EntityName, next, res.Hosts); err != nil {
				c.logger.Debug("record hosts", "entity", j.EntityName, "error", err)
			}
		}
		return
	}

	if err := c.jobs.SetStatus(j.EntityName, next, res.Hosts); err != nil {
		// The job may have been stopped between the query and the update.
		c.logger.Debug("stale poll result dropped", "entity", j.EntityName, "error", err)
		return
	}

	if verbose {
		c.logger.Info("job status changed", "entity", j.EntityName, "status", next, "hosts", res.Hosts)
	}
	if next.Terminal() {
		jobsTotal.WithLabelValues(string(j.Kind), string(next)).Inc()
	}
	c.recordEvent(ctx, j.EntityName, j.RunID, j.Status, next, res.Hosts)
}

// Stop cancels every job bound to the given entities. Cancellation is
// fire-and-forget: the jobs are marked cancelled once the cancel is issued,
// regardless of the driver's acknowledgment. Already-terminal jobs are left
// untouched.
func (c *Controller) Stop(ctx context.Context, entities ...model.Entity) error {
	var errs []error
	for _, entity := range entities {
		units, err := expand(entity)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, u := range units {
			if err := c.stopJob(ctx, u.name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.updateActiveGauge()
	return errors.Join(errs...)
}

// StopAll cancels every tracked job.
func (c *Controller) StopAll(ctx context.Context) error {
	var errs []error
	for _, j := range c.jobs.List() {
		if err := c.stopJob(ctx, j.EntityName); err != nil {
			errs = append(errs, err)
		}
	}
	c.updateActiveGauge()
	return errors.Join(errs...)
}

func (c *Controller) stopJob(ctx context.Context, entityName string) error {
	j, ok := c.jobs.Get(entityName)
	if !ok {
		return fmt.Errorf("%w: stop: entity %q was never submitted", model.ErrNotFound, entityName)
	}
	if j.Status.Terminal() {
		return nil
	}

	if err := c.launcher.Cancel(ctx, j.RunID); err != nil {
		c.logger.Warn("cancel issued with error", "entity", entityName, "run_id", j.RunID, "error", err)
	}
	if err := c.jobs.SetStatus(entityName, model.StatusCancelled, nil); err != nil {
		return fmt.Errorf("stop %q: %w", entityName, err)
	}

	jobsTotal.WithLabelValues(string(j.Kind), string(model.StatusCancelled)).Inc()
	c.recordEvent(ctx, entityName, j.RunID, j.Status, model.StatusCancelled, nil)
	c.logger.Info("job stopped", "entity", entityName, "run_id", j.RunID)
	return nil
}

// Finished reports whether every job of the entity is in a terminal status.
// An entity that was never submitted is an error.
func (c *Controller) Finished(entity model.Entity) (bool, error) {
	units, err := expand(entity)
	if err != nil {
		return false, err
	}
	if len(units) == 0 {
		return false, fmt.Errorf("%w: entity %q has no launchable members", model.ErrNotFound, entity.EntityName())
	}

	for _, u := range units {
		j, ok := c.jobs.Get(u.name)
		if !ok {
			return false, fmt.Errorf("%w: finished: entity %q was never submitted", model.ErrNotFound, u.name)
		}
		if !j.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Statuses returns the status of every launchable unit of the entity, in
// member order: one element for a single run, one per member for an
// ensemble, one per shard node for the exchange service. Units never
// submitted report not_started.
func (c *Controller) Statuses(entity model.Entity) ([]model.Status, error) {
	units, err := expand(entity)
	if err != nil {
		return nil, err
	}

	out := make([]model.Status, 0, len(units))
	for _, u := range units {
		j, ok := c.jobs.Get(u.name)
		if !ok {
			out = append(out, model.StatusNotStarted)
			continue
		}
		out = append(out, j.Status)
	}
	return out, nil
}

func (c *Controller) updateActiveGauge() {
	activeJobs.Set(float64(len(c.jobs.Active(true))))
}

func (c *Controller) recordEvent(ctx context.Context, entityName, runID string, from, to model.Status, hosts []string) {
	if c.history == nil {
		return
	}
	e := &store.Event{
		EntityName: entityName,
		RunID:      runID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Hosts:      strings.Join(hosts, ","),
	}
	if err := c.history.RecordEvent(ctx, e); err != nil {
		c.logger.Error("record job event", "entity", entityName, "error", err)
	}
}
