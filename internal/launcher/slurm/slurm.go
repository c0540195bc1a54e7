// Package slurm implements the launcher contract against the Slurm workload
// manager. Allocations are obtained with salloc, jobs run as srun steps
// inside an allocation, and state is read back through sacct point queries.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/model"
)

// Compile-time interface satisfaction check.
var _ launcher.Launcher = (*Launcher)(nil)

// grantedRE extracts the allocation id from salloc output.
var grantedRE = regexp.MustCompile(`Granted job allocation (\d+)`)

// allocState tracks a known allocation and the next srun step index on it.
type allocState struct {
	steps int
}

// Launcher drives Slurm through its command-line tools.
type Launcher struct {
	runner Runner
	logger *slog.Logger

	// spawn starts a detached srun step. Split out so tests can intercept
	// submission without a Slurm installation.
	spawn func(name string, args ...string) error

	mu     sync.Mutex
	allocs map[string]*allocState
}

// New creates a Slurm launcher using the real CLI binaries.
func New(logger *slog.Logger) *Launcher {
	return NewWithRunner(execRunner{}, logger)
}

// NewWithRunner creates a Slurm launcher with a custom command runner.
func NewWithRunner(r Runner, logger *slog.Logger) *Launcher {
	return &Launcher{
		runner: r,
		logger: logger,
		spawn:  spawnDetached,
		allocs: make(map[string]*allocState),
	}
}

// spawnDetached starts a command without waiting for it. The srun process
// lives as long as the step does; Slurm owns the step, so the local handle
// is only kept for reaping.
func spawnDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// Capabilities reports that Slurm can allocate across multiple hosts.
func (l *Launcher) Capabilities() launcher.Capabilities {
	return launcher.Capabilities{
		Name:                        "slurm",
		SupportsMultiHostAllocation: true,
	}
}

// AcquireAllocation reserves nodes with salloc --no-shell and parses the
// granted allocation id from its output. Options with empty values become
// bare flags.
func (l *Launcher) AcquireAllocation(ctx context.Context, req launcher.AllocationRequest) (string, error) {
	args := []string{
		"-N", strconv.Itoa(req.Nodes),
		"--ntasks-per-node", strconv.Itoa(req.TasksPerNode),
		"-t", req.Duration,
		"--no-shell",
	}
	args = append(args, optionArgs(req.Options)...)

	out, err := l.runner.Run(ctx, "salloc", args...)
	if err != nil {
		return "", fmt.Errorf("%w: salloc: %v", model.ErrBackendRejected, err)
	}
	m := grantedRE.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("%w: salloc did not grant an allocation: %s", model.ErrBackendRejected, out)
	}

	id := m[1]
	l.mu.Lock()
	l.allocs[id] = &allocState{}
	l.mu.Unlock()

	l.logger.Info("allocation granted", "allocation_id", id, "nodes", req.Nodes)
	return id, nil
}

// ConfirmAllocation checks with squeue that an externally created
// allocation exists, and starts tracking it for submissions.
func (l *Launcher) ConfirmAllocation(ctx context.Context, allocID string) error {
	out, err := l.runner.Run(ctx, "squeue", "--noheader", "-j", allocID, "-o", "%A")
	if err != nil || !strings.Contains(out, allocID) {
		return fmt.Errorf("%w: allocation %q not known to slurm", model.ErrNotFound, allocID)
	}

	l.mu.Lock()
	if _, ok := l.allocs[allocID]; !ok {
		l.allocs[allocID] = &allocState{}
	}
	l.mu.Unlock()
	return nil
}

// ReleaseAllocation frees the allocation with scancel.
func (l *Launcher) ReleaseAllocation(ctx context.Context, allocID string) error {
	if _, err := l.runner.Run(ctx, "scancel", allocID); err != nil {
		return fmt.Errorf("%w: release allocation %q: %v", model.ErrBackendRejected, allocID, err)
	}
	l.mu.Lock()
	delete(l.allocs, allocID)
	l.mu.Unlock()
	return nil
}

// Submit starts the job as a detached srun step inside the given allocation.
// The returned run id is "<allocation>.<step>", the form sacct reports.
func (l *Launcher) Submit(_ context.Context, spec launcher.JobSpec, allocID string) (string, error) {
	if spec.Exe == "" {
		return "", fmt.Errorf("%w: submit %q: no executable given", model.ErrBackendRejected, spec.Name)
	}
	if allocID == "" {
		return "", fmt.Errorf("%w: submit %q: slurm jobs require an allocation", model.ErrBackendRejected, spec.Name)
	}

	l.mu.Lock()
	alloc, ok := l.allocs[allocID]
	if !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: submit %q: allocation %q unknown", model.ErrBackendRejected, spec.Name, allocID)
	}
	step := alloc.steps
	alloc.steps++
	l.mu.Unlock()

	args := []string{"--jobid=" + allocID}
	if spec.Name != "" {
		args = append(args, "--job-name="+spec.Name)
		if spec.Dir != "" {
			args = append(args,
				"--output="+filepath.Join(spec.Dir, spec.Name+".out"),
				"--error="+filepath.Join(spec.Dir, spec.Name+".err"),
			)
		}
	}
	if spec.Dir != "" {
		args = append(args, "--chdir="+spec.Dir)
	}
	if spec.Nodes > 0 {
		args = append(args, "-N", strconv.Itoa(spec.Nodes))
	}
	if spec.TasksPerNode > 0 {
		args = append(args, "--ntasks-per-node", strconv.Itoa(spec.TasksPerNode))
	}
	if len(spec.Env) > 0 {
		args = append(args, "--export="+exportList(spec.Env))
	}
	args = append(args, spec.Exe)
	args = append(args, spec.Args...)

	if err := l.spawn("srun", args...); err != nil {
		return "", fmt.Errorf("%w: submit %q: srun: %v", model.ErrBackendRejected, spec.Name, err)
	}

	runID := fmt.Sprintf("%s.%d", allocID, step)
	l.logger.Debug("srun step launched", "run_id", runID, "exe", spec.Exe)
	return runID, nil
}

// Poll queries sacct for the step state and, once nodes are assigned,
// expands the node list into hostnames with scontrol.
func (l *Launcher) Poll(ctx context.Context, runID string) (launcher.PollResult, error) {
	out, err := l.runner.Run(ctx, "sacct", "--noheader", "-p", "-b", "-j", runID)
	if err != nil {
		return launcher.PollResult{}, fmt.Errorf("poll %q: sacct: %w", runID, err)
	}

	state, found := stepState(out, runID)
	if !found {
		// Accounting lag right after submission: the step has not appeared
		// in sacct yet.
		return launcher.PollResult{Status: model.StatusSubmitted}, nil
	}

	status := mapState(state)
	if status == model.StatusSubmitted {
		return launcher.PollResult{Status: status}, nil
	}

	hosts, err := l.hostnames(ctx, runID)
	if err != nil {
		return launcher.PollResult{}, fmt.Errorf("poll %q: %w", runID, err)
	}
	return launcher.PollResult{Status: status, Hosts: hosts}, nil
}

// Cancel stops a step with scancel. A failure against an already-terminal
// step is swallowed: cancellation is idempotent.
func (l *Launcher) Cancel(ctx context.Context, runID string) error {
	if _, err := l.runner.Run(ctx, "scancel", runID); err != nil {
		if res, perr := l.Poll(ctx, runID); perr == nil && res.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: cancel run %q: %v", model.ErrBackendRejected, runID, err)
	}
	return nil
}

// hostnames resolves the step's node list and expands compressed forms like
// nid[00001-00003] through scontrol show hostnames.
func (l *Launcher) hostnames(ctx context.Context, runID string) ([]string, error) {
	out, err := l.runner.Run(ctx, "sacct", "--noheader", "-p", "-j", runID, "-o", "NodeList")
	if err != nil {
		return nil, fmt.Errorf("sacct nodelist: %w", err)
	}

	nodelist := ""
	for _, line := range strings.Split(out, "\n") {
		v := strings.TrimSuffix(strings.TrimSpace(line), "|")
		if v != "" && v != "None assigned" {
			nodelist = v
			break
		}
	}
	if nodelist == "" {
		return nil, nil
	}

	expanded, err := l.runner.Run(ctx, "scontrol", "show", "hostnames", nodelist)
	if err != nil {
		return nil, fmt.Errorf("scontrol show hostnames: %w", err)
	}
	var hosts []string
	for _, line := range strings.Split(expanded, "\n") {
		if h := strings.TrimSpace(line); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// stepState finds the State column of the sacct brief line for runID.
// Brief parsable output is "JobID|State|ExitCode|".
func stepState(out, runID string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) >= 2 && fields[0] == runID {
			return fields[1], true
		}
	}
	return "", false
}

// mapState translates a Slurm job state into a job status. Unrecognized
// states stay non-terminal so the poll loop keeps watching them.
func mapState(state string) model.Status {
	switch {
	case strings.HasPrefix(state, "CANCELLED"):
		return model.StatusCancelled
	case state == "PENDING", state == "CONFIGURING", state == "REQUEUED", state == "SUSPENDED":
		return model.StatusSubmitted
	case state == "RUNNING", state == "COMPLETING":
		return model.StatusRunning
	case state == "COMPLETED":
		return model.StatusCompleted
	case state == "FAILED", state == "TIMEOUT", state == "OUT_OF_MEMORY",
		state == "NODE_FAIL", state == "BOOT_FAIL", state == "DEADLINE", state == "PREEMPTED":
		return model.StatusFailed
	}
	return model.StatusSubmitted
}

// optionArgs renders backend-specific extras in sorted order. An empty
// value means a bare flag.
func optionArgs(options map[string]string) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := options[k]; v == "" {
			args = append(args, "--"+k)
		} else {
			args = append(args, "--"+k+"="+options[k])
		}
	}
	return args
}

// exportList renders the srun --export argument: the full parent
// environment plus the spec overlay, keys sorted.
func exportList(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{"ALL"}
	for _, k := range keys {
		parts = append(parts, k+"="+env[k])
	}
	return strings.Join(parts, ",")
}
