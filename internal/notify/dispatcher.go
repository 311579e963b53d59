package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ecare/booking/internal/booking"
)

// DoctorDirectory resolves a doctor id to its profile for message rendering.
// Satisfied by booking.Store.
type DoctorDirectory interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*booking.Doctor, error)
}

// Dispatcher turns lifecycle events into stored notifications. It sits behind
// the outbound queue: a slow or failing dispatcher can never block or fail
// the booking transaction that produced the event.
type Dispatcher struct {
	store   Store
	doctors DoctorDirectory
	log     zerolog.Logger
}

func NewDispatcher(store Store, doctors DoctorDirectory, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, doctors: doctors, log: log}
}

// Handle materializes one event into a notification for the patient.
func (d *Dispatcher) Handle(ctx context.Context, ev booking.LifecycleEvent) error {
	doctorName := "your doctor"
	doctor, err := d.doctors.GetDoctorByID(ctx, ev.DoctorID)
	switch {
	case err == nil:
		doctorName = "Dr. " + doctor.Name
	case errors.Is(err, booking.ErrDoctorNotFound):
		// Render with the fallback name rather than dropping the event.
		d.log.Warn().Stringer("doctor_id", ev.DoctorID).Msg("event references unknown doctor")
	default:
		return fmt.Errorf("load doctor: %w", err)
	}

	title, description := Compose(ev, doctorName)

	n := Notification{
		ID:            uuid.New(),
		UserID:        ev.PatientID,
		Title:         title,
		Description:   description,
		Kind:          string(ev.Kind),
		AppointmentID: ev.AppointmentID,
		CreatedAt:     time.Now().UTC(),
	}

	if err := d.store.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	d.log.Info().
		Stringer("appointment_id", ev.AppointmentID).
		Str("kind", string(ev.Kind)).
		Stringer("user_id", ev.PatientID).
		Msg("notification dispatched")
	return nil
}
