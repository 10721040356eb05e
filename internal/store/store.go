package store

import (
	"context"
	"time"
)

// EventRecord is one flattened lifecycle event for the history tables.
type EventRecord struct {
	EventID    uint64    `json:"event_id"`
	Type       string    `json:"type"`
	Action     string    `json:"action,omitempty"`
	Name       string    `json:"name,omitempty"`
	Group      string    `json:"group,omitempty"`
	Qualifier  string    `json:"qualifier,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store is the supervisor's durable state: the single-key blame record
// written before a policy reboot, the event-id sequence that keeps event
// IDs monotonic across reboots, and the lifecycle history rows.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// SaveBlame records the service blamed for a reboot loop. One record
	// exists at a time; a second save overwrites.
	SaveBlame(ctx context.Context, name string, at time.Time) error
	// TakeBlame reads and deletes the blame record in one transaction, so
	// the record is consumed exactly once per boot. ok is false when no
	// record exists.
	TakeBlame(ctx context.Context) (name string, ok bool, err error)

	// NextEventBase reserves a block of span event IDs and returns the
	// first usable ID. A crash loses at most the unfinished block; IDs
	// never repeat.
	NextEventBase(ctx context.Context, span uint64) (uint64, error)

	RecordEvent(ctx context.Context, rec EventRecord) error

	// PurgeAll wipes every table. Factory reset.
	PurgeAll(ctx context.Context) error

	Close() error
}
