package model

// Status describes where a launched job is in its lifecycle.
type Status string

// Job status constants.
const (
	StatusNotStarted Status = "not_started"
	StatusSubmitted  Status = "submitted"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entries: once a job is completed, failed, or
// cancelled it never changes again. A submitted job may jump straight to a
// terminal status when it finishes between two polls.
var validTransitions = map[Status]map[Status]bool{
	StatusNotStarted: {
		StatusSubmitted: true,
	},
	StatusSubmitted: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
