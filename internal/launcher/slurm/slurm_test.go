package slurm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/musterhq/muster/internal/launcher"
	"github.com/musterhq/muster/internal/model"
)

// fakeRunner scripts CLI responses per command name and records every call.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(name string, args []string) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.fn(name, args)
}

func (f *fakeRunner) commandCalls(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

func newTestLauncher(fn func(name string, args []string) (string, error)) (*Launcher, *fakeRunner) {
	r := &fakeRunner{fn: fn}
	l := NewWithRunner(r, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	l.spawn = func(string, ...string) error { return nil }
	return l, r
}

func grantingRunner(allocID string) func(name string, args []string) (string, error) {
	return func(name string, args []string) (string, error) {
		switch name {
		case "salloc":
			return fmt.Sprintf("salloc: Granted job allocation %s", allocID), nil
		case "squeue":
			return allocID, nil
		}
		return "", nil
	}
}

func TestAcquireAllocation(t *testing.T) {
	l, r := newTestLauncher(grantingRunner("120986"))

	id, err := l.AcquireAllocation(context.Background(), launcher.AllocationRequest{
		Nodes:        4,
		TasksPerNode: 8,
		Duration:     "1:00:00",
		Options:      map[string]string{"partition": "main", "exclusive": ""},
	})
	if err != nil {
		t.Fatalf("AcquireAllocation: %v", err)
	}
	if id != "120986" {
		t.Errorf("allocation id = %q, want 120986", id)
	}

	calls := r.commandCalls("salloc")
	if len(calls) != 1 {
		t.Fatalf("salloc calls = %d, want 1", len(calls))
	}
	got := strings.Join(calls[0][1:], " ")
	want := "-N 4 --ntasks-per-node 8 -t 1:00:00 --no-shell --exclusive --partition=main"
	if got != want {
		t.Errorf("salloc args = %q, want %q", got, want)
	}
}

func TestAcquireAllocationRejected(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		return "salloc: error: invalid duration", errors.New("exit status 1")
	})

	_, err := l.AcquireAllocation(context.Background(), launcher.AllocationRequest{Nodes: 1, Duration: "bogus"})
	if !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("error = %v, want ErrBackendRejected", err)
	}
}

func TestAcquireAllocationUnparseableOutput(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		return "salloc: Pending job allocation 999", nil
	})

	_, err := l.AcquireAllocation(context.Background(), launcher.AllocationRequest{Nodes: 1})
	if !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("error = %v, want ErrBackendRejected", err)
	}
}

func TestConfirmAllocation(t *testing.T) {
	l, _ := newTestLauncher(grantingRunner("5555"))
	if err := l.ConfirmAllocation(context.Background(), "5555"); err != nil {
		t.Fatalf("ConfirmAllocation: %v", err)
	}

	// A confirmed allocation accepts submissions.
	if _, err := l.Submit(context.Background(), launcher.JobSpec{Name: "sim", Exe: "./sim"}, "5555"); err != nil {
		t.Errorf("Submit after confirm: %v", err)
	}
}

func TestConfirmAllocationUnknown(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		return "", errors.New("slurm_load_jobs error: Invalid job id specified")
	})
	if err := l.ConfirmAllocation(context.Background(), "404"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSubmitStepIDsCount(t *testing.T) {
	l, _ := newTestLauncher(grantingRunner("777"))
	ctx := context.Background()
	if _, err := l.AcquireAllocation(ctx, launcher.AllocationRequest{Nodes: 3, TasksPerNode: 1, Duration: "1:00:00"}); err != nil {
		t.Fatalf("AcquireAllocation: %v", err)
	}

	first, err := l.Submit(ctx, launcher.JobSpec{Name: "a", Exe: "./a"}, "777")
	if err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	second, err := l.Submit(ctx, launcher.JobSpec{Name: "b", Exe: "./b"}, "777")
	if err != nil {
		t.Fatalf("Submit b: %v", err)
	}

	if first != "777.0" || second != "777.1" {
		t.Errorf("run ids = %s, %s, want 777.0, 777.1", first, second)
	}
}

func TestSubmitValidation(t *testing.T) {
	l, _ := newTestLauncher(grantingRunner("777"))
	ctx := context.Background()

	if _, err := l.Submit(ctx, launcher.JobSpec{Name: "x", Exe: "./x"}, "999"); !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("unknown allocation error = %v, want ErrBackendRejected", err)
	}
	if _, err := l.Submit(ctx, launcher.JobSpec{Name: "x", Exe: "./x"}, ""); !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("missing allocation error = %v, want ErrBackendRejected", err)
	}
	if _, err := l.Submit(ctx, launcher.JobSpec{Name: "x"}, "777"); !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("missing exe error = %v, want ErrBackendRejected", err)
	}
}

func TestPollPending(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		return "123.0|PENDING|0:0|", nil
	})

	res, err := l.Poll(context.Background(), "123.0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != model.StatusSubmitted {
		t.Errorf("status = %s, want submitted", res.Status)
	}
	if len(res.Hosts) != 0 {
		t.Errorf("hosts = %v, want none while pending", res.Hosts)
	}
}

func TestPollRunningExpandsHostnames(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		switch name {
		case "sacct":
			if contains(args, "-b") {
				return "123.0|RUNNING|0:0|", nil
			}
			return "nid[00001-00003]|", nil
		case "scontrol":
			return "nid00001\nnid00002\nnid00003", nil
		}
		return "", nil
	})

	res, err := l.Poll(context.Background(), "123.0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != model.StatusRunning {
		t.Errorf("status = %s, want running", res.Status)
	}
	want := []string{"nid00001", "nid00002", "nid00003"}
	if len(res.Hosts) != len(want) {
		t.Fatalf("hosts = %v, want %v", res.Hosts, want)
	}
	for i := range want {
		if res.Hosts[i] != want[i] {
			t.Errorf("hosts[%d] = %s, want %s", i, res.Hosts[i], want[i])
		}
	}
}

func TestPollStateMapping(t *testing.T) {
	tests := []struct {
		state string
		want  model.Status
	}{
		{"PENDING", model.StatusSubmitted},
		{"CONFIGURING", model.StatusSubmitted},
		{"RUNNING", model.StatusRunning},
		{"COMPLETING", model.StatusRunning},
		{"COMPLETED", model.StatusCompleted},
		{"FAILED", model.StatusFailed},
		{"TIMEOUT", model.StatusFailed},
		{"OUT_OF_MEMORY", model.StatusFailed},
		{"NODE_FAIL", model.StatusFailed},
		{"CANCELLED", model.StatusCancelled},
		{"CANCELLED by 1001", model.StatusCancelled},
		{"SOMETHING_NEW", model.StatusSubmitted},
	}
	for _, tt := range tests {
		if got := mapState(tt.state); got != tt.want {
			t.Errorf("mapState(%q) = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestPollAccountingLag(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		return "", nil
	})

	res, err := l.Poll(context.Background(), "123.0")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != model.StatusSubmitted {
		t.Errorf("status with no sacct line = %s, want submitted", res.Status)
	}
}

func TestPollTransportError(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		return "", errors.New("sacct: connection refused")
	})

	if _, err := l.Poll(context.Background(), "123.0"); err == nil {
		t.Error("Poll with failing sacct = nil error, want transport error")
	}
}

func TestCancelIdempotentOnTerminalStep(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		switch name {
		case "scancel":
			return "", errors.New("scancel: Job has finished")
		case "sacct":
			if contains(args, "-b") {
				return "123.0|COMPLETED|0:0|", nil
			}
			return "nid00001|", nil
		case "scontrol":
			return "nid00001", nil
		}
		return "", nil
	})

	if err := l.Cancel(context.Background(), "123.0"); err != nil {
		t.Errorf("Cancel on completed step = %v, want nil", err)
	}
}

func TestCancelFailureOnLiveStep(t *testing.T) {
	l, _ := newTestLauncher(func(name string, args []string) (string, error) {
		switch name {
		case "scancel":
			return "", errors.New("scancel: permission denied")
		case "sacct":
			if contains(args, "-b") {
				return "123.0|RUNNING|0:0|", nil
			}
			return "nid00001|", nil
		case "scontrol":
			return "nid00001", nil
		}
		return "", nil
	})

	if err := l.Cancel(context.Background(), "123.0"); !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("Cancel = %v, want ErrBackendRejected", err)
	}
}

func TestReleaseAllocation(t *testing.T) {
	l, r := newTestLauncher(grantingRunner("888"))
	ctx := context.Background()
	if _, err := l.AcquireAllocation(ctx, launcher.AllocationRequest{Nodes: 1, Duration: "1:00:00"}); err != nil {
		t.Fatalf("AcquireAllocation: %v", err)
	}

	if err := l.ReleaseAllocation(ctx, "888"); err != nil {
		t.Fatalf("ReleaseAllocation: %v", err)
	}
	if calls := r.commandCalls("scancel"); len(calls) != 1 {
		t.Errorf("scancel calls = %d, want 1", len(calls))
	}

	// The allocation is no longer known for submissions.
	if _, err := l.Submit(ctx, launcher.JobSpec{Name: "x", Exe: "./x"}, "888"); !errors.Is(err, model.ErrBackendRejected) {
		t.Errorf("Submit after release = %v, want ErrBackendRejected", err)
	}
}

func TestCapabilities(t *testing.T) {
	l, _ := newTestLauncher(grantingRunner("1"))
	caps := l.Capabilities()
	if !caps.SupportsMultiHostAllocation {
		t.Error("slurm launcher does not report multi-host allocation support")
	}
	if caps.Name != "slurm" {
		t.Errorf("name = %q, want slurm", caps.Name)
	}
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}
