package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventRunQueued    EventType = "run.queued"
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunDenied    EventType = "run.denied"
	EventRunReclaimed EventType = "run.reclaimed"
)

// Event is a single lifecycle event payload
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	OrgID     int64                  `json:"org_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent constructs an event with a fresh ID and timestamp
func NewEvent(eventType EventType, orgID int64, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		OrgID:     orgID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Emitter delivers lifecycle events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// NopEmitter discards all events. Used when webhooks are disabled.
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, event Event) error { return nil }
