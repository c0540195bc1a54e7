// Package local implements the launcher contract by spawning OS processes
// directly on the workstation running the experiment.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/model"
)

// Compile-time interface satisfaction check.
var _ launcher.Launcher = (*Launcher)(nil)

// proc tracks one spawned process from start to exit.
type proc struct {
	cmd  *exec.Cmd
	out  *os.File
	errf *os.File

	mu      sync.Mutex
	done    bool
	exitErr error
}

// Launcher spawns and tracks local OS processes. Jobs need no allocation;
// allocation ids handed out here are synthetic ledger-only handles.
type Launcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	procs  map[string]*proc
	allocs map[string]bool
	host   string
}

// New creates a local launcher.
func New(logger *slog.Logger) *Launcher {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &Launcher{
		logger: logger,
		procs:  make(map[string]*proc),
		allocs: make(map[string]bool),
		host:   host,
	}
}

// Capabilities reports that local jobs are confined to a single host.
func (l *Launcher) Capabilities() launcher.Capabilities {
	return launcher.Capabilities{
		Name:                        "local",
		SupportsMultiHostAllocation: false,
	}
}

// Submit spawns the process described by spec. The allocation id is ignored:
// local processes run directly on the workstation.
func (l *Launcher) Submit(ctx context.Context, spec launcher.JobSpec, _ string) (string, error) {
	if spec.Exe == "" {
		return "", fmt.Errorf("%w: submit %q: no executable given", model.ErrBackendRejected, spec.Name)
	}

	cmd := exec.Command(spec.Exe, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = overlayEnv(spec.Env)

	p := &proc{cmd: cmd}
	if spec.Dir != "" {
		name := spec.Name
		if name == "" {
			name = filepath.Base(spec.Exe)
		}
		out, err := os.Create(filepath.Join(spec.Dir, name+".out"))
		if err != nil {
			return "", fmt.Errorf("%w: submit %q: create output file: %v", model.ErrBackendRejected, spec.Name, err)
		}
		errf, err := os.Create(filepath.Join(spec.Dir, name+".err"))
		if err != nil {
			out.Close()
			return "", fmt.Errorf("%w: submit %q: create error file: %v", model.ErrBackendRejected, spec.Name, err)
		}
		cmd.Stdout = out
		cmd.Stderr = errf
		p.out = out
		p.errf = errf
	}

	if err := cmd.Start(); err != nil {
		p.closeFiles()
		return "", fmt.Errorf("%w: submit %q: %v", model.ErrBackendRejected, spec.Name, err)
	}

	runID := model.NewID()
	l.mu.Lock()
	l.procs[runID] = p
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.done = true
		p.exitErr = err
		p.mu.Unlock()
		p.closeFiles()
	}()

	l.logger.Debug("local process started", "run_id", runID, "exe", spec.Exe, "pid", cmd.Process.Pid)
	return runID, nil
}

// Poll reports the current state of a spawned process. A live process is
// always running on the local host; there is no queued phase.
func (l *Launcher) Poll(_ context.Context, runID string) (launcher.PollResult, error) {
	l.mu.Lock()
	p, ok := l.procs[runID]
	l.mu.Unlock()
	if !ok {
		return launcher.PollResult{}, fmt.Errorf("%w: poll: unknown run id %q", model.ErrNotFound, runID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.done {
		return launcher.PollResult{Status: model.StatusRunning, Hosts: []string{l.host}}, nil
	}
	if p.exitErr != nil {
		return launcher.PollResult{Status: model.StatusFailed, Hosts: []string{l.host}}, nil
	}
	return launcher.PollResult{Status: model.StatusCompleted, Hosts: []string{l.host}}, nil
}

// Cancel kills the process if it is still alive. Cancelling a finished
// process is a no-op.
func (l *Launcher) Cancel(_ context.Context, runID string) error {
	l.mu.Lock()
	p, ok := l.procs[runID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: cancel: unknown run id %q", model.ErrNotFound, runID)
	}

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done {
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil {
		// The reaper may beat the kill; a process that just exited is a
		// normal terminal job, not a failed cancel.
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("%w: cancel run %q: %v", model.ErrBackendRejected, runID, err)
	}
	return nil
}

// AcquireAllocation hands out a synthetic allocation handle. Local jobs do
// not need one, but the ledger contract is uniform across backends.
func (l *Launcher) AcquireAllocation(_ context.Context, _ launcher.AllocationRequest) (string, error) {
	id := model.NewID()
	l.mu.Lock()
	l.allocs[id] = true
	l.mu.Unlock()
	return id, nil
}

// ConfirmAllocation only recognizes handles this launcher created: there is
// no external resource manager to ask about foreign ids.
func (l *Launcher) ConfirmAllocation(_ context.Context, allocID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allocs[allocID] {
		return fmt.Errorf("%w: allocation %q", model.ErrNotFound, allocID)
	}
	return nil
}

// ReleaseAllocation drops a synthetic allocation handle.
func (l *Launcher) ReleaseAllocation(_ context.Context, allocID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.allocs[allocID] {
		return fmt.Errorf("%w: allocation %q", model.ErrNotFound, allocID)
	}
	delete(l.allocs, allocID)
	return nil
}

func (p *proc) closeFiles() {
	if p.out != nil {
		p.out.Close()
	}
	if p.errf != nil {
		p.errf.Close()
	}
}

// overlayEnv merges the spec environment over the parent process environment.
// Overlay keys are applied in sorted order for deterministic command records.
func overlayEnv(overlay map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
