package events

import (
	"context"
	"time"
)

// Type is the kind of lifecycle event the supervisor publishes.
type Type string

const (
	TypeServiceState Type = "service-state-changed"
	TypeGroupState   Type = "group-state-changed"
	TypeInitComplete Type = "init-complete"
)

// Action qualifies a state-changed event.
type Action string

const (
	ActionStart   Action = "start"
	ActionDeath   Action = "death"
	ActionRestart Action = "restart"
)

// Qualifier qualifies an init-complete event. AllStarted means every
// ack-expecting service acknowledged before the barrier closed; SomeStarted
// covers both a degraded barrier close and a late single-service ack.
type Qualifier string

const (
	QualifierAllStarted  Qualifier = "all-services-started"
	QualifierSomeStarted Qualifier = "some-services-started"
)

// Event is one entry on the supervisor's event stream. IDs are monotonic
// across supervisor restarts (seeded from the persisted sequence).
type Event struct {
	ID         uint64    `json:"id"`
	Type       Type      `json:"type"`
	Action     Action    `json:"action,omitempty"`
	Name       string    `json:"name,omitempty"`
	Group      string    `json:"group,omitempty"`
	Qualifier  Qualifier `json:"qualifier,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ServiceState builds a service-state-changed event.
func ServiceState(action Action, name string) Event {
	return Event{Type: TypeServiceState, Action: action, Name: name}
}

// GroupState builds a group-state-changed event.
func GroupState(action Action, group string) Event {
	return Event{Type: TypeGroupState, Action: action, Group: group}
}

// InitComplete builds an init-complete event. Name is set only for late
// single-service completions.
func InitComplete(q Qualifier, name string) Event {
	return Event{Type: TypeInitComplete, Qualifier: q, Name: name}
}

// Sink is a destination for the event history (analytics/audit systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
