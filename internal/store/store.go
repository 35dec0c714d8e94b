// ABOUTME: Store interface and data types for the broker's lifecycle audit log
// ABOUTME: Records instance starts, stops, registrations, and staleness for later inspection

package store

import (
	"context"
	"time"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventStartRequested EventKind = "start_requested"
	EventStarted        EventKind = "started"
	EventStartFailed    EventKind = "start_failed"
	EventStopRequested  EventKind = "stop_requested"
	EventStopped        EventKind = "stopped"
	EventStopFailed     EventKind = "stop_failed"
	EventRegistered     EventKind = "registered"
	EventDeregistered   EventKind = "deregistered"
	EventStale          EventKind = "stale"
)

// ValidEventKinds lists every kind the schema accepts.
var ValidEventKinds = []EventKind{
	EventStartRequested,
	EventStarted,
	EventStartFailed,
	EventStopRequested,
	EventStopped,
	EventStopFailed,
	EventRegistered,
	EventDeregistered,
	EventStale,
}

// Event is one row of the lifecycle audit log.
type Event struct {
	ID        string         `json:"id"` // ULID, sorts by creation time
	Kind      EventKind      `json:"kind"`
	CWD       string         `json:"cwd"`
	Port      int            `json:"port,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventFilter narrows ListEvents. Nil fields match everything.
type EventFilter struct {
	CWD   *string
	Kind  *EventKind
	Since *time.Time
	Limit int // default 100, max 1000
}

// Store persists the lifecycle audit log.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
	Close() error
}
