package launcher

import (
	"context"

	"github.com/musterhq/muster/internal/model"
)

// Launcher is the interface that all execution backends must implement.
// Each backend (local workstation, Slurm resource manager) translates job
// and allocation operations into its own environment. Drivers are stateless
// point queries: the controller owns all polling cadence and failure policy.
type Launcher interface {
	// Submit launches a job described by spec. On the local launcher the
	// allocation id is ignored; on a resource manager the job is scoped to
	// the given allocation. Returns the backend-assigned run id.
	Submit(ctx context.Context, spec JobSpec, allocID string) (string, error)

	// Poll is a single point-in-time status query. It must not block beyond
	// a short timeout. Hosts is empty until the backend has scheduled the
	// job on compute nodes.
	Poll(ctx context.Context, runID string) (PollResult, error)

	// Cancel is best-effort and idempotent: cancelling an already-terminal
	// job is a no-op, not an error.
	Cancel(ctx context.Context, runID string) error

	// AcquireAllocation reserves compute resources and returns the
	// backend-assigned (or synthetic) allocation id.
	AcquireAllocation(ctx context.Context, req AllocationRequest) (string, error)

	// ConfirmAllocation verifies that an allocation id not created by this
	// process exists at the backend.
	ConfirmAllocation(ctx context.Context, allocID string) error

	// ReleaseAllocation frees previously reserved resources.
	ReleaseAllocation(ctx context.Context, allocID string) error

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}

// JobSpec describes one process launch request.
type JobSpec struct {
	Name         string
	Exe          string
	Args         []string
	Dir          string
	Env          map[string]string
	Nodes        int
	TasksPerNode int
}

// PollResult is the point-in-time state of a run as reported by the backend.
type PollResult struct {
	Status model.Status
	Hosts  []string
}

// AllocationRequest describes a resource reservation. Options carries
// backend-specific extras; an empty value means a bare flag.
type AllocationRequest struct {
	Nodes        int
	TasksPerNode int
	Duration     string
	Options      map[string]string
}

// Capabilities describes what a launcher supports.
type Capabilities struct {
	Name                        string
	SupportsMultiHostAllocation bool
}
