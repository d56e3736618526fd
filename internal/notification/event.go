package notification

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names a state change published to downstream consumers.
type EventType string

const (
	EventActivityActivated EventType = "activity.activated"
	EventActivityEnded     EventType = "activity.ended"
	EventActivitySoldOut   EventType = "activity.sold_out"
	EventActivityCancelled EventType = "activity.cancelled"
	EventActivityEnabled   EventType = "activity.enabled"
	EventActivityDisabled  EventType = "activity.disabled"

	EventSessionActivated EventType = "session.activated"
	EventSessionEnded     EventType = "session.ended"
	EventSessionSoldOut   EventType = "session.sold_out"
	EventSessionCancelled EventType = "session.cancelled"

	EventGroupSucceeded EventType = "group.succeeded"
	EventGroupFailed    EventType = "group.failed"
)

// Event is the JSON envelope written to the events topic.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with a sortable id.
func NewEvent(eventType EventType, subjectType, subjectID string, at time.Time, data map[string]any) Event {
	return Event{
		ID:          ulid.MustNew(ulid.Timestamp(at), rand.Reader).String(),
		Type:        eventType,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		OccurredAt:  at.UTC(),
		Data:        data,
	}
}

// Dispatcher emits events without waiting for delivery.
type Dispatcher interface {
	Publish(ctx context.Context, event Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
