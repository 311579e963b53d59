package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *eventRecorder) Publish(_ context.Context, ev LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	engine  *Engine
	store   *MemoryStore
	rec     *eventRecorder
	doctor  uuid.UUID
	patient uuid.UUID
	slot    uuid.UUID
	day     time.Time
}

// at returns a time on the fixture day, e.g. at(10, 30) for 10:30.
func (f *fixture) at(hour, min int) time.Time {
	return f.day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   NewMemoryStore(),
		rec:     &eventRecorder{},
		doctor:  uuid.New(),
		patient: uuid.New(),
		slot:    uuid.New(),
		day:     time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC),
	}

	f.store.AddDoctor(Doctor{ID: f.doctor, Name: "Dr. Baker"})
	f.store.AddPatient(Patient{ID: f.patient, Name: "Ada"})
	f.store.AddSlot(Slot{
		ID:        f.slot,
		DoctorID:  f.doctor,
		StartTime: f.at(10, 0),
		EndTime:   f.at(11, 0),
	})

	f.engine = NewEngine(f.store, f.rec, zerolog.Nop())
	return f
}

func TestBook(t *testing.T) {
	ctx := context.Background()

	t.Run("claims the containing slot", func(t *testing.T) {
		f := newFixture(t)

		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)

		assert.Equal(t, StatusScheduled, appt.Status)
		assert.Equal(t, f.slot, appt.SlotID)
		assert.NotEmpty(t, appt.ValidationToken)

		slot, ok := f.store.Slot(f.slot)
		require.True(t, ok)
		assert.True(t, slot.Booked)
		assert.Equal(t, []EventKind{EventScheduled}, f.rec.kinds())
	})

	t.Run("publish failure does not fail the booking", func(t *testing.T) {
		f := newFixture(t)

		failing := PublisherFunc(func(context.Context, LifecycleEvent) error {
			return errors.New("queue unreachable")
		})
		engine := NewEngine(f.store, failing, zerolog.Nop())

		appt, err := engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, appt.Status)

		slot, ok := f.store.Slot(f.slot)
		require.True(t, ok)
		assert.True(t, slot.Booked)
	})

	t.Run("rejects inverted interval", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(11, 0), f.at(10, 0))
		assert.ErrorIs(t, err, ErrInvalidInterval)

		_, err = f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 0))
		assert.ErrorIs(t, err, ErrInvalidInterval)
	})

	t.Run("unknown doctor or patient", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.Book(ctx, uuid.New(), f.patient, f.at(10, 0), f.at(10, 30))
		assert.ErrorIs(t, err, ErrDoctorNotFound)

		_, err = f.engine.Book(ctx, f.doctor, uuid.New(), f.at(10, 0), f.at(10, 30))
		assert.ErrorIs(t, err, ErrPatientNotFound)
	})

	t.Run("no containing slot", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(12, 0), f.at(12, 30))
		assert.ErrorIs(t, err, ErrNoAvailableSlot)
	})

	t.Run("second booking for the same interval fails", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)

		_, err = f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		assert.ErrorIs(t, err, ErrNoAvailableSlot)
	})

	t.Run("prefers the tightest containing slot", func(t *testing.T) {
		f := newFixture(t)
		tight := uuid.New()
		f.store.AddSlot(Slot{
			ID:        tight,
			DoctorID:  f.doctor,
			StartTime: f.at(10, 0),
			EndTime:   f.at(10, 30),
		})

		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		assert.Equal(t, tight, appt.SlotID)

		wide, _ := f.store.Slot(f.slot)
		assert.False(t, wide.Booked)
	})
}

// No double booking: N concurrent Book calls at the same interval resolve
// with exactly one winner.
func TestBookConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		losses    int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrNoAvailableSlot) || errors.Is(err, ErrSlotConflict):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, losses)
	assert.Len(t, f.rec.kinds(), 1)
}

func TestReschedule(t *testing.T) {
	ctx := context.Background()

	book := func(t *testing.T, f *fixture) *Appointment {
		t.Helper()
		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		return appt
	}

	t.Run("moves to a new slot and releases the old one", func(t *testing.T) {
		f := newFixture(t)
		next := uuid.New()
		f.store.AddSlot(Slot{
			ID:        next,
			DoctorID:  f.doctor,
			StartTime: f.at(14, 0),
			EndTime:   f.at(15, 0),
		})
		appt := book(t, f)

		updated, err := f.engine.Reschedule(ctx, appt.ID, f.at(14, 0), f.at(14, 30))
		require.NoError(t, err)

		assert.Equal(t, next, updated.SlotID)
		assert.Equal(t, StatusScheduled, updated.Status)
		assert.Equal(t, f.at(14, 0), updated.StartTime)

		old, _ := f.store.Slot(f.slot)
		assert.False(t, old.Booked)
		moved, _ := f.store.Slot(next)
		assert.True(t, moved.Booked)
		assert.Equal(t, []EventKind{EventScheduled, EventRescheduled}, f.rec.kinds())
	})

	t.Run("no slot for the new interval rolls everything back", func(t *testing.T) {
		f := newFixture(t)
		appt := book(t, f)

		_, err := f.engine.Reschedule(ctx, appt.ID, f.at(16, 0), f.at(16, 30))
		assert.ErrorIs(t, err, ErrNoAvailableSlot)

		// Original claim and interval are untouched.
		slot, _ := f.store.Slot(f.slot)
		assert.True(t, slot.Booked)

		cur, err := f.store.GetAppointmentByID(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, f.at(10, 0), cur.StartTime)
		assert.Equal(t, f.at(10, 30), cur.EndTime)
		assert.Equal(t, StatusScheduled, cur.Status)
	})

	t.Run("new interval inside the current slot re-claims it", func(t *testing.T) {
		f := newFixture(t)
		appt := book(t, f)

		updated, err := f.engine.Reschedule(ctx, appt.ID, f.at(10, 30), f.at(11, 0))
		require.NoError(t, err)
		assert.Equal(t, f.slot, updated.SlotID)

		slot, _ := f.store.Slot(f.slot)
		assert.True(t, slot.Booked)
	})

	t.Run("in_progress appointment reverts to scheduled", func(t *testing.T) {
		f := newFixture(t)
		next := uuid.New()
		f.store.AddSlot(Slot{
			ID:        next,
			DoctorID:  f.doctor,
			StartTime: f.at(14, 0),
			EndTime:   f.at(15, 0),
		})
		appt := book(t, f)

		_, err := f.engine.Validate(ctx, appt.ValidationToken)
		require.NoError(t, err)

		updated, err := f.engine.Reschedule(ctx, appt.ID, f.at(14, 0), f.at(14, 30))
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, updated.Status)

		// The same token validates again at the new time.
		again, err := f.engine.Validate(ctx, appt.ValidationToken)
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, again.Status)
	})

	t.Run("terminal appointments are immutable", func(t *testing.T) {
		f := newFixture(t)
		appt := book(t, f)
		_, err := f.engine.Cancel(ctx, appt.ID)
		require.NoError(t, err)

		_, err = f.engine.Reschedule(ctx, appt.ID, f.at(10, 0), f.at(10, 30))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Reschedule(ctx, uuid.New(), f.at(10, 0), f.at(10, 30))
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
	require.NoError(t, err)

	t.Run("unknown token", func(t *testing.T) {
		_, err := f.engine.Validate(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("first validation succeeds, second is rejected", func(t *testing.T) {
		updated, err := f.engine.Validate(ctx, appt.ValidationToken)
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, updated.Status)

		_, err = f.engine.Validate(ctx, appt.ValidationToken)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("canceled appointment rejects its token", func(t *testing.T) {
		g := newFixture(t)
		a, err := g.engine.Book(ctx, g.doctor, g.patient, g.at(10, 0), g.at(10, 30))
		require.NoError(t, err)
		_, err = g.engine.Cancel(ctx, a.ID)
		require.NoError(t, err)

		_, err = g.engine.Validate(ctx, a.ValidationToken)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the slot for a fresh booking", func(t *testing.T) {
		f := newFixture(t)
		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)

		canceled, err := f.engine.Cancel(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, canceled.Status)

		slot, _ := f.store.Slot(f.slot)
		assert.False(t, slot.Booked)

		// The identical interval books again.
		rebooked, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		assert.Equal(t, f.slot, rebooked.SlotID)
	})

	t.Run("cancel of canceled fails", func(t *testing.T) {
		f := newFixture(t)
		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		_, err = f.engine.Cancel(ctx, appt.ID)
		require.NoError(t, err)

		_, err = f.engine.Cancel(ctx, appt.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("cancel of completed fails", func(t *testing.T) {
		f := newFixture(t)
		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		_, err = f.engine.Validate(ctx, appt.ValidationToken)
		require.NoError(t, err)
		_, err = f.engine.Complete(ctx, appt.ID)
		require.NoError(t, err)

		_, err = f.engine.Cancel(ctx, appt.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("cancel of in_progress releases the slot", func(t *testing.T) {
		f := newFixture(t)
		appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
		require.NoError(t, err)
		_, err = f.engine.Validate(ctx, appt.ValidationToken)
		require.NoError(t, err)

		_, err = f.engine.Cancel(ctx, appt.ID)
		require.NoError(t, err)

		slot, _ := f.store.Slot(f.slot)
		assert.False(t, slot.Booked)
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
	require.NoError(t, err)

	t.Run("scheduled appointment cannot complete", func(t *testing.T) {
		_, err := f.engine.Complete(ctx, appt.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("in_progress completes and the slot stays booked", func(t *testing.T) {
		_, err := f.engine.Validate(ctx, appt.ValidationToken)
		require.NoError(t, err)

		done, err := f.engine.Complete(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)

		slot, _ := f.store.Slot(f.slot)
		assert.True(t, slot.Booked)
	})

	t.Run("completing twice fails", func(t *testing.T) {
		_, err := f.engine.Complete(ctx, appt.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("event trail is complete", func(t *testing.T) {
		assert.Equal(t,
			[]EventKind{EventScheduled, EventInProgress, EventCompleted},
			f.rec.kinds())
	})
}

func TestCheckSlotConsistency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
	require.NoError(t, err)

	t.Run("consistent state needs no repair", func(t *testing.T) {
		repaired, err := f.engine.CheckSlotConsistency(ctx)
		require.NoError(t, err)
		assert.Zero(t, repaired)
	})

	t.Run("stale released flag is re-claimed", func(t *testing.T) {
		require.NoError(t, f.store.ReleaseSlot(ctx, f.slot))

		repaired, err := f.engine.CheckSlotConsistency(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, repaired)

		slot, _ := f.store.Slot(f.slot)
		assert.True(t, slot.Booked)
	})

	t.Run("orphaned claim is released", func(t *testing.T) {
		_, err := f.engine.Cancel(ctx, appt.ID)
		require.NoError(t, err)

		_, err = f.store.ClaimSlot(ctx, f.slot)
		require.NoError(t, err)

		repaired, err := f.engine.CheckSlotConsistency(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, repaired)

		slot, _ := f.store.Slot(f.slot)
		assert.False(t, slot.Booked)
	})
}

func TestListReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	appt, err := f.engine.Book(ctx, f.doctor, f.patient, f.at(10, 0), f.at(10, 30))
	require.NoError(t, err)

	t.Run("detail is hydrated", func(t *testing.T) {
		det, err := f.engine.GetAppointment(ctx, appt.ID)
		require.NoError(t, err)
		require.NotNil(t, det.Doctor)
		assert.Equal(t, "Dr. Baker", det.Doctor.Name)
		require.NotNil(t, det.Slot)
		assert.Equal(t, f.slot, det.Slot.ID)
	})

	t.Run("list by patient", func(t *testing.T) {
		list, err := f.engine.ListByPatient(ctx, f.patient, 0, -1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, appt.ID, list[0].ID)
	})

	t.Run("open slots exclude booked", func(t *testing.T) {
		free, err := f.engine.ListOpenSlots(ctx, f.doctor, f.at(0, 0), f.at(23, 59))
		require.NoError(t, err)
		assert.Empty(t, free)

		_, err = f.engine.Cancel(ctx, appt.ID)
		require.NoError(t, err)

		free, err = f.engine.ListOpenSlots(ctx, f.doctor, f.at(0, 0), f.at(23, 59))
		require.NoError(t, err)
		assert.Len(t, free, 1)
	})
}
