package task

import (
	"context"
	"time"
)

// Event describes a task status change. Events are an audit stream for
// downstream consumers; callers still observe progress by polling.
type Event struct {
	TaskID       string
	Kind         Kind
	MachineID    string
	Status       Status
	Progress     int
	ErrorMessage string
	OccurredAt   time.Time
}

// NewEvent snapshots rec as an Event.
func NewEvent(rec *Record, now time.Time) Event {
	return Event{
		TaskID:       rec.ID,
		Kind:         rec.Kind,
		MachineID:    rec.MachineID,
		Status:       rec.Status,
		Progress:     rec.Progress,
		ErrorMessage: rec.ErrorMessage,
		OccurredAt:   now,
	}
}

// EventPublisher delivers task events.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, evt Event) error
}
