package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventScheduled   EventKind = "scheduled"
	EventRescheduled EventKind = "rescheduled"
	EventCanceled    EventKind = "canceled"
	EventInProgress  EventKind = "in_progress"
	EventCompleted   EventKind = "completed"
)

// LifecycleEvent is the ephemeral fact emitted on each successful transition.
// The engine never persists it; the notification dispatcher consumes it off
// the outbound queue.
type LifecycleEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Kind          EventKind `json:"kind"`
	StartTime     time.Time `json:"start_time"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher hands lifecycle events to the outbound queue. Delivery is
// best-effort: a publish failure must never fail or roll back the state
// transition that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev LifecycleEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev LifecycleEvent) error {
	return f(ctx, ev)
}

// NopPublisher discards events. Used where no dispatcher is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }
