package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/ecare/booking/internal/booking"
	"github.com/ecare/booking/internal/notify"
)

type BookAppointmentRequest struct {
	DoctorID  string    `json:"doctor_id"`
	PatientID string    `json:"patient_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type RescheduleRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type ValidateRequest struct {
	Token string `json:"token"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Status          string    `json:"status"`
	ValidationToken string    `json:"validation_token,omitempty"`
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	DoctorName      string  `json:"doctor_name,omitempty"`
	DoctorSpecialty *string `json:"doctor_specialty,omitempty"`
	PatientName     string  `json:"patient_name,omitempty"`
}

type SlotResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type NotificationResponse struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Kind          string    `json:"kind"`
	AppointmentID uuid.UUID `json:"appointment_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		SlotID:          a.SlotID,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		Status:          string(a.Status),
		ValidationToken: a.ValidationToken,
	}
}

func toDetailResponse(d *booking.AppointmentDetail) AppointmentDetailResponse {
	resp := AppointmentDetailResponse{
		AppointmentResponse: toAppointmentResponse(&d.Appointment),
	}
	if d.Doctor != nil {
		resp.DoctorName = d.Doctor.Name
		resp.DoctorSpecialty = d.Doctor.Specialty
	}
	if d.Patient != nil {
		resp.PatientName = d.Patient.Name
	}
	return resp
}

func toDetailResponses(details []booking.AppointmentDetail) []AppointmentDetailResponse {
	out := make([]AppointmentDetailResponse, 0, len(details))
	for i := range details {
		out = append(out, toDetailResponse(&details[i]))
	}
	return out
}

func toNotificationResponses(ns []notify.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(ns))
	for _, n := range ns {
		out = append(out, NotificationResponse{
			ID:            n.ID,
			Title:         n.Title,
			Description:   n.Description,
			Kind:          n.Kind,
			AppointmentID: n.AppointmentID,
			CreatedAt:     n.CreatedAt,
		})
	}
	return out
}

func toSlotResponses(slots []booking.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{
			ID:        s.ID,
			DoctorID:  s.DoctorID,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
		})
	}
	return out
}
