package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store contains all DB interactions needed by the engine. Write methods that
// participate in a compound operation are invoked on the transaction-scoped
// Store passed to the WithinTx callback; either every write in the callback
// commits or none do.
type Store interface {
	// WithinTx runs fn against a transaction-scoped Store. fn returning an
	// error rolls the transaction back.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// FindFreeSlot returns one unbooked slot for the doctor whose interval
	// fully contains [start, end). Inside a transaction the returned row is
	// locked; concurrent transactions skip it and see ErrNoAvailableSlot.
	FindFreeSlot(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (*Slot, error)

	// ClaimSlot flips booked to true. It returns false when the slot was
	// already booked, the optimistic conflict signal.
	ClaimSlot(ctx context.Context, slotID uuid.UUID) (bool, error)
	ReleaseSlot(ctx context.Context, slotID uuid.UUID) error
	ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error)

	CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// GetAppointmentForUpdate loads the appointment with a row lock so a
	// compound transition cannot race a concurrent transition on the same
	// appointment. Only meaningful inside WithinTx.
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByToken(ctx context.Context, token string) (*Appointment, error)

	// UpdateAppointmentStatus is a compare-and-swap on status: the update
	// applies only while status is still `from`, otherwise it reports
	// ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)

	// UpdateAppointmentSchedule moves the appointment onto a new slot and
	// interval, setting status in the same write.
	UpdateAppointmentSchedule(ctx context.Context, id, slotID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error)

	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)

	// FindSlotMismatches returns slots whose booked flag disagrees with the
	// number of live appointments claiming them. Consumed by the consistency
	// worker; the appointment status field is the authority.
	FindSlotMismatches(ctx context.Context) ([]SlotMismatch, error)
}

type SlotMismatch struct {
	SlotID   uuid.UUID
	Booked   bool
	LiveRefs int
}
