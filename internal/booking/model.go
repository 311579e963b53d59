package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCanceled   AppointmentStatus = "canceled"
)

// Terminal reports whether the status accepts no further transitions.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one doctor-published bookable interval. The interval is half-open:
// [StartTime, EndTime). Booked is owned by the engine and is true iff exactly
// one live appointment claims the slot.
type Slot struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Booked    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether the slot's interval fully contains [start, end).
func (s Slot) Contains(start, end time.Time) bool {
	return !s.StartTime.After(start) && !s.EndTime.Before(end)
}

// Appointment is one encounter occupying exactly one slot while its status is
// scheduled or in_progress. SlotID records the claimed slot explicitly so the
// slot's booked flag never has to be inferred.
type Appointment struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	SlotID          uuid.UUID
	StartTime       time.Time
	EndTime         time.Time
	Status          AppointmentStatus
	ValidationToken string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AppointmentDetail struct {
	Appointment
	Doctor  *Doctor
	Patient *Patient
	Slot    *Slot
}
