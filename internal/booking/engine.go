package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the sole mutator of the slot/appointment relationship. Every
// compound operation runs as one store transaction; the slot claim is a
// compare-and-swap on the booked flag, so concurrent bookings for the same
// slot resolve with exactly one winner and no retries inside the engine.
type Engine struct {
	store Store
	pub   Publisher
	log   zerolog.Logger
}

func NewEngine(store Store, pub Publisher, log zerolog.Logger) *Engine {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Engine{store: store, pub: pub, log: log}
}

// Book matches [start, end) to a free slot of the doctor, claims it, and
// creates a scheduled appointment carrying a fresh validation token.
func (e *Engine) Book(ctx context.Context, doctorID, patientID uuid.UUID, start, end time.Time) (*Appointment, error) {
	if !start.Before(end) {
		return nil, ErrInvalidInterval
	}

	// Identity resolution happens before the transaction; a missing doctor
	// or patient never costs a slot lock.
	if _, err := e.store.GetDoctorByID(ctx, doctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if _, err := e.store.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	var created *Appointment

	err := e.store.WithinTx(ctx, func(tx Store) error {
		slot, err := tx.FindFreeSlot(ctx, doctorID, start, end)
		if err != nil {
			if errors.Is(err, ErrNoAvailableSlot) {
				return err
			}
			return fmt.Errorf("find free slot: %w", err)
		}

		claimed, err := tx.ClaimSlot(ctx, slot.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrSlotConflict
		}

		appt, err := tx.CreateAppointment(ctx, &Appointment{
			ID:              uuid.New(),
			DoctorID:        doctorID,
			PatientID:       patientID,
			SlotID:          slot.ID,
			StartTime:       start,
			EndTime:         end,
			Status:          StatusScheduled,
			ValidationToken: uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, created, EventScheduled)
	return created, nil
}

// Reschedule atomically releases the appointment's current slot and claims a
// free slot matching the new interval for the same doctor. The release and
// the claim share one transaction, so a failed claim rolls the release back
// and the original slot stays booked. Status always resets to scheduled: the
// encounter has not happened at the new time, and check-in via the same
// token applies again.
func (e *Engine) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time) (*Appointment, error) {
	if !start.Before(end) {
		return nil, ErrInvalidInterval
	}

	var updated *Appointment

	err := e.store.WithinTx(ctx, func(tx Store) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return ErrInvalidState
		}

		// Release first so the current slot is a candidate when the new
		// interval still fits it. Rolled back if anything below fails.
		if err := tx.ReleaseSlot(ctx, appt.SlotID); err != nil {
			return err
		}

		slot, err := tx.FindFreeSlot(ctx, appt.DoctorID, start, end)
		if err != nil {
			if errors.Is(err, ErrNoAvailableSlot) {
				return err
			}
			return fmt.Errorf("find free slot: %w", err)
		}

		claimed, err := tx.ClaimSlot(ctx, slot.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrSlotConflict
		}

		updated, err = tx.UpdateAppointmentSchedule(ctx, appt.ID, slot.ID, start, end, StatusScheduled)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, updated, EventRescheduled)
	return updated, nil
}

// Cancel releases the claimed slot and marks the appointment canceled.
// Completed and already-canceled appointments are immutable.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var updated *Appointment

	err := e.store.WithinTx(ctx, func(tx Store) error {
		appt, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return ErrInvalidState
		}

		if err := tx.ReleaseSlot(ctx, appt.SlotID); err != nil {
			return err
		}

		updated, err = tx.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusCanceled)
		if err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, updated, EventCanceled)
	return updated, nil
}

// Validate resolves the appointment by its validation token and moves it from
// scheduled to in_progress. Validating twice, or validating a canceled or
// completed appointment, fails with ErrInvalidState.
func (e *Engine) Validate(ctx context.Context, token string) (*Appointment, error) {
	appt, err := e.store.GetAppointmentByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment by token: %w", err)
	}

	if appt.Status != StatusScheduled {
		return nil, ErrInvalidState
	}

	updated, err := e.store.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusInProgress)
	if err != nil {
		// The CAS missing means a concurrent transition won.
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("validate appointment: %w", err)
	}

	e.emit(ctx, updated, EventInProgress)
	return updated, nil
}

// Complete marks an in_progress appointment completed. The slot stays booked
// as the historical record; past time is never returned to availability.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := e.store.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusInProgress {
		return nil, ErrInvalidState
	}

	updated, err := e.store.UpdateAppointmentStatus(ctx, appt.ID, StatusInProgress, StatusCompleted)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	e.emit(ctx, updated, EventCompleted)
	return updated, nil
}

// Read operations

func (e *Engine) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	det, err := e.store.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return det, nil
}

func (e *Engine) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = clampPage(limit, offset)
	return e.store.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

func (e *Engine) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	limit, offset = clampPage(limit, offset)
	return e.store.ListAppointmentsByDoctor(ctx, doctorID, limit, offset)
}

func (e *Engine) ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	if _, err := e.store.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}
	return e.store.ListOpenSlots(ctx, doctorID, from, to)
}

// CheckSlotConsistency rewrites booked flags that disagree with live
// appointments. The appointment status field is the authority; the flag is a
// derived cache. Returns the number of repaired slots.
func (e *Engine) CheckSlotConsistency(ctx context.Context) (int, error) {
	mismatches, err := e.store.FindSlotMismatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("find slot mismatches: %w", err)
	}

	repaired := 0
	for _, m := range mismatches {
		if m.LiveRefs > 0 {
			claimed, err := e.store.ClaimSlot(ctx, m.SlotID)
			if err != nil {
				e.log.Error().Err(err).Stringer("slot_id", m.SlotID).Msg("repair claim failed")
				continue
			}
			if !claimed {
				// Already repaired by a concurrent booking.
				continue
			}
		} else {
			if err := e.store.ReleaseSlot(ctx, m.SlotID); err != nil {
				e.log.Error().Err(err).Stringer("slot_id", m.SlotID).Msg("repair release failed")
				continue
			}
		}
		repaired++
		e.log.Warn().
			Stringer("slot_id", m.SlotID).
			Bool("was_booked", m.Booked).
			Int("live_refs", m.LiveRefs).
			Msg("repaired inconsistent slot")
	}
	return repaired, nil
}

// emit publishes a lifecycle event after the transition committed. Failures
// are logged and swallowed: notification is best-effort and must never
// surface as a booking failure.
func (e *Engine) emit(ctx context.Context, appt *Appointment, kind EventKind) {
	ev := LifecycleEvent{
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		Kind:          kind,
		StartTime:     appt.StartTime,
		OccurredAt:    time.Now().UTC(),
	}

	if err := e.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Error().Err(err).
			Stringer("appointment_id", appt.ID).
			Str("kind", string(kind)).
			Msg("lifecycle event publish failed")
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
