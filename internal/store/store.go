// Package store persists job status history. The orchestration core keeps
// all live state in memory; the event log is additive, for post-mortems and
// the status API only.
package store

import (
	"context"
	"time"
)

// Event is one recorded job status transition.
type Event struct {
	ID         int64     `json:"id"`
	EntityName string    `json:"entity_name"`
	RunID      string    `json:"run_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Hosts      string    `json:"hosts,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store defines the persistence operations for job history.
type Store interface {
	RecordEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, entityName string) ([]Event, error)
	Close() error
}
