package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecare/booking/internal/booking"
	"github.com/ecare/booking/internal/notify"
)

// stubService lets each test pin just the method it exercises.
type stubService struct {
	book        func(ctx context.Context, doctorID, patientID uuid.UUID, start, end time.Time) (*booking.Appointment, error)
	reschedule  func(ctx context.Context, id uuid.UUID, start, end time.Time) (*booking.Appointment, error)
	cancel      func(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	validate    func(ctx context.Context, token string) (*booking.Appointment, error)
	complete    func(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	get         func(ctx context.Context, id uuid.UUID) (*booking.AppointmentDetail, error)
	byPatient   func(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.AppointmentDetail, error)
	byDoctor    func(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]booking.AppointmentDetail, error)
	openSlots   func(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]booking.Slot, error)
}

func (s *stubService) Book(ctx context.Context, doctorID, patientID uuid.UUID, start, end time.Time) (*booking.Appointment, error) {
	return s.book(ctx, doctorID, patientID, start, end)
}

func (s *stubService) Reschedule(ctx context.Context, id uuid.UUID, start, end time.Time) (*booking.Appointment, error) {
	return s.reschedule(ctx, id, start, end)
}

func (s *stubService) Cancel(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	return s.cancel(ctx, id)
}

func (s *stubService) Validate(ctx context.Context, token string) (*booking.Appointment, error) {
	return s.validate(ctx, token)
}

func (s *stubService) Complete(ctx context.Context, id uuid.UUID) (*booking.Appointment, error) {
	return s.complete(ctx, id)
}

func (s *stubService) GetAppointment(ctx context.Context, id uuid.UUID) (*booking.AppointmentDetail, error) {
	return s.get(ctx, id)
}

func (s *stubService) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]booking.AppointmentDetail, error) {
	return s.byPatient(ctx, patientID, limit, offset)
}

func (s *stubService) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]booking.AppointmentDetail, error) {
	return s.byDoctor(ctx, doctorID, limit, offset)
}

func (s *stubService) ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]booking.Slot, error) {
	return s.openSlots(ctx, doctorID, from, to)
}

func testRouter(svc BookingService) http.Handler {
	return NewRouter(RouterConfig{
		Service: svc,
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	})
}

func sampleAppointment() *booking.Appointment {
	return &booking.Appointment{
		ID:              uuid.New(),
		DoctorID:        uuid.New(),
		PatientID:       uuid.New(),
		SlotID:          uuid.New(),
		StartTime:       time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC),
		Status:          booking.StatusScheduled,
		ValidationToken: uuid.NewString(),
	}
}

func TestBookEndpoint(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		appt := sampleAppointment()
		svc := &stubService{
			book: func(context.Context, uuid.UUID, uuid.UUID, time.Time, time.Time) (*booking.Appointment, error) {
				return appt, nil
			},
		}

		body, _ := json.Marshal(BookAppointmentRequest{
			DoctorID:  appt.DoctorID.String(),
			PatientID: appt.PatientID.String(),
			StartTime: appt.StartTime,
			EndTime:   appt.EndTime,
		})
		req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader(body))
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code)

		var resp AppointmentResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, appt.ID, resp.ID)
		assert.Equal(t, "scheduled", resp.Status)
		assert.NotEmpty(t, resp.ValidationToken)
	})

	t.Run("invalid doctor id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/appointments",
			bytes.NewBufferString(`{"doctor_id":"nope","patient_id":"also-nope"}`))
		w := httptest.NewRecorder()
		testRouter(&stubService{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		testRouter(&stubService{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("error mapping", func(t *testing.T) {
		cases := []struct {
			err        error
			wantStatus int
			wantCode   string
		}{
			{booking.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
			{booking.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
			{booking.ErrNoAvailableSlot, http.StatusConflict, "no_available_slot"},
			{booking.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
			{booking.ErrInvalidInterval, http.StatusBadRequest, "invalid_interval"},
			{fmt.Errorf("wrapped: %w", booking.ErrNoAvailableSlot), http.StatusConflict, "no_available_slot"},
		}

		for _, tc := range cases {
			svc := &stubService{
				book: func(context.Context, uuid.UUID, uuid.UUID, time.Time, time.Time) (*booking.Appointment, error) {
					return nil, tc.err
				},
			}

			body, _ := json.Marshal(BookAppointmentRequest{
				DoctorID:  uuid.NewString(),
				PatientID: uuid.NewString(),
			})
			req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewReader(body))
			w := httptest.NewRecorder()
			testRouter(svc).ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code, tc.err.Error())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantCode, resp.Error)
		}
	})
}

func TestValidateEndpoint(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		appt := sampleAppointment()
		appt.Status = booking.StatusInProgress
		svc := &stubService{
			validate: func(_ context.Context, token string) (*booking.Appointment, error) {
				assert.Equal(t, appt.ValidationToken, token)
				return appt, nil
			},
		}

		body, _ := json.Marshal(ValidateRequest{Token: appt.ValidationToken})
		req := httptest.NewRequest(http.MethodPost, "/appointments/validate", bytes.NewReader(body))
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp AppointmentResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "in_progress", resp.Status)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/appointments/validate", bytes.NewBufferString(`{}`))
		w := httptest.NewRecorder()
		testRouter(&stubService{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		svc := &stubService{
			validate: func(context.Context, string) (*booking.Appointment, error) {
				return nil, booking.ErrTokenNotFound
			},
		}

		body, _ := json.Marshal(ValidateRequest{Token: uuid.NewString()})
		req := httptest.NewRequest(http.MethodPost, "/appointments/validate", bytes.NewReader(body))
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("already validated", func(t *testing.T) {
		svc := &stubService{
			validate: func(context.Context, string) (*booking.Appointment, error) {
				return nil, booking.ErrInvalidState
			},
		}

		body, _ := json.Marshal(ValidateRequest{Token: uuid.NewString()})
		req := httptest.NewRequest(http.MethodPost, "/appointments/validate", bytes.NewReader(body))
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestLifecycleEndpoints(t *testing.T) {
	appt := sampleAppointment()

	t.Run("cancel", func(t *testing.T) {
		canceled := *appt
		canceled.Status = booking.StatusCanceled
		svc := &stubService{
			cancel: func(_ context.Context, id uuid.UUID) (*booking.Appointment, error) {
				assert.Equal(t, appt.ID, id)
				return &canceled, nil
			},
		}

		req := httptest.NewRequest(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", nil)
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("cancel terminal appointment", func(t *testing.T) {
		svc := &stubService{
			cancel: func(context.Context, uuid.UUID) (*booking.Appointment, error) {
				return nil, booking.ErrInvalidState
			},
		}

		req := httptest.NewRequest(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", nil)
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("reschedule", func(t *testing.T) {
		moved := *appt
		moved.StartTime = appt.StartTime.Add(4 * time.Hour)
		moved.EndTime = appt.EndTime.Add(4 * time.Hour)
		svc := &stubService{
			reschedule: func(_ context.Context, id uuid.UUID, start, end time.Time) (*booking.Appointment, error) {
				assert.Equal(t, moved.StartTime, start)
				return &moved, nil
			},
		}

		body, _ := json.Marshal(RescheduleRequest{StartTime: moved.StartTime, EndTime: moved.EndTime})
		req := httptest.NewRequest(http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule", bytes.NewReader(body))
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("complete", func(t *testing.T) {
		done := *appt
		done.Status = booking.StatusCompleted
		svc := &stubService{
			complete: func(context.Context, uuid.UUID) (*booking.Appointment, error) {
				return &done, nil
			},
		}

		req := httptest.NewRequest(http.MethodPost, "/appointments/"+appt.ID.String()+"/complete", nil)
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bad appointment id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/appointments/not-a-uuid/cancel", nil)
		w := httptest.NewRecorder()
		testRouter(&stubService{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReadEndpoints(t *testing.T) {
	appt := sampleAppointment()
	specialty := "Cardiology"
	detail := booking.AppointmentDetail{
		Appointment: *appt,
		Doctor:      &booking.Doctor{ID: appt.DoctorID, Name: "Baker", Specialty: &specialty},
		Patient:     &booking.Patient{ID: appt.PatientID, Name: "Ada"},
	}

	t.Run("get detail", func(t *testing.T) {
		svc := &stubService{
			get: func(context.Context, uuid.UUID) (*booking.AppointmentDetail, error) {
				return &detail, nil
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/appointments/"+appt.ID.String(), nil)
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp AppointmentDetailResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Baker", resp.DoctorName)
		assert.Equal(t, "Ada", resp.PatientName)
	})

	t.Run("list requires a filter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
		w := httptest.NewRecorder()
		testRouter(&stubService{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list by patient", func(t *testing.T) {
		svc := &stubService{
			byPatient: func(_ context.Context, patientID uuid.UUID, limit, offset int) ([]booking.AppointmentDetail, error) {
				assert.Equal(t, appt.PatientID, patientID)
				assert.Equal(t, 5, limit)
				return []booking.AppointmentDetail{detail}, nil
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/appointments?patient_id="+appt.PatientID.String()+"&limit=5", nil)
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp []AppointmentDetailResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp, 1)
	})

	t.Run("open slots", func(t *testing.T) {
		svc := &stubService{
			openSlots: func(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]booking.Slot, error) {
				return []booking.Slot{{ID: uuid.New(), DoctorID: doctorID}}, nil
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/doctors/"+appt.DoctorID.String()+"/slots", nil)
		w := httptest.NewRecorder()
		testRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp []SlotResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp, 1)
	})
}

type stubNotificationReader struct {
	listByUser func(ctx context.Context, userID uuid.UUID, limit int) ([]notify.Notification, error)
}

func (s *stubNotificationReader) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]notify.Notification, error) {
	return s.listByUser(ctx, userID, limit)
}

func notificationsRouter(reader NotificationReader) http.Handler {
	return NewRouter(RouterConfig{
		Service:       &stubService{},
		Notifications: reader,
		Logger:        zerolog.Nop(),
		Env:           "test",
		Version:       "test",
	})
}

func TestListNotificationsEndpoint(t *testing.T) {
	userID := uuid.New()

	t.Run("lists a user's notifications", func(t *testing.T) {
		reader := &stubNotificationReader{
			listByUser: func(_ context.Context, gotUser uuid.UUID, limit int) ([]notify.Notification, error) {
				assert.Equal(t, userID, gotUser)
				assert.Equal(t, 10, limit)
				return []notify.Notification{{
					ID:          uuid.New(),
					UserID:      gotUser,
					Title:       "Appointment Scheduled",
					Description: "Your appointment with Dr. Baker has been scheduled for 2026-03-02 at 10:00",
					Kind:        "scheduled",
					CreatedAt:   time.Now(),
				}}, nil
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/notifications?user_id="+userID.String()+"&limit=10", nil)
		w := httptest.NewRecorder()
		notificationsRouter(reader).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp []NotificationResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp, 1)
		assert.Equal(t, "Appointment Scheduled", resp[0].Title)
	})

	t.Run("requires a valid user_id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/notifications", nil)
		w := httptest.NewRecorder()
		notificationsRouter(&stubNotificationReader{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		req = httptest.NewRequest(http.MethodGet, "/notifications?user_id=not-a-uuid", nil)
		w = httptest.NewRecorder()
		notificationsRouter(&stubNotificationReader{}).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("storage error maps to 500", func(t *testing.T) {
		reader := &stubNotificationReader{
			listByUser: func(context.Context, uuid.UUID, int) ([]notify.Notification, error) {
				return nil, fmt.Errorf("connection reset")
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/notifications?user_id="+userID.String(), nil)
		w := httptest.NewRecorder()
		notificationsRouter(reader).ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
