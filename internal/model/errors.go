package model

import "errors"

// Error kinds surfaced by the orchestration core. Callers match them with
// errors.Is; messages always carry the offending entity, allocation, or job
// identifier and the operation attempted.
var (
	// ErrBackendRejected indicates the resource manager or OS refused an
	// operation (submit, allocate, cancel).
	ErrBackendRejected = errors.New("backend rejected operation")

	// ErrNotFound indicates an unknown entity, allocation, or job.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates duplicate creation of a singleton or a
	// name collision.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnsupportedBackend indicates a capability mismatch, such as a
	// clustered topology on the local launcher.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrInvalidTopology indicates a structurally invalid cluster shape.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrNotLaunched indicates an address or status was requested before
	// the job reported the needed data.
	ErrNotLaunched = errors.New("not launched")

	// ErrNoAddressesResolved indicates address resolution produced nothing.
	ErrNoAddressesResolved = errors.New("no addresses resolved")

	// ErrNotConfigured indicates the data-exchange service does not exist yet.
	ErrNotConfigured = errors.New("data exchange not configured")
)
