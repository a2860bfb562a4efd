// Package history exports server lifecycle events to external stores.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventExit      EventType = "exit"      // attached child exited on its own
	EventInterrupt EventType = "interrupt" // attached child terminated after a signal
)

// DefaultTable is the table (or index) events are written to.
const DefaultTable = "server_history"

// Record identifies the server an event is about.
type Record struct {
	Server    string    `json:"server"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	BaseDir   string    `json:"base_dir"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// NullableTime returns nil for the zero time so SQL sinks store NULL.
func NullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullableString returns nil for the empty string.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
