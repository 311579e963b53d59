package booking

import "errors"

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrTokenNotFound       = errors.New("validation token not found")

	// ErrNoAvailableSlot means no free slot contains the requested interval.
	ErrNoAvailableSlot = errors.New("no available slot for the given time")

	// ErrSlotConflict means an optimistic claim lost the race; the caller may
	// retry with a fresh lookup.
	ErrSlotConflict = errors.New("slot claim lost to a concurrent booking")

	// ErrInvalidState means the requested transition is not legal for the
	// appointment's current status.
	ErrInvalidState = errors.New("operation not allowed in current appointment state")

	ErrInvalidInterval = errors.New("start time must be before end time")
)
