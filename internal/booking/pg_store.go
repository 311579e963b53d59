package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store
// methods serve plain calls and transaction-scoped calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgStore struct {
	pool *pgxpool.Pool
	q    querier
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, q: pool}
}

func (s *PgStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.q.(pgx.Tx); inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PgStore{pool: s.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Scan helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var sl Slot
	err := row.Scan(&sl.ID, &sl.DoctorID, &sl.StartTime, &sl.EndTime, &sl.Booked, &sl.CreatedAt, &sl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &sl, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.SlotID,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.ValidationToken,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

const appointmentColumns = `id, doctor_id, patient_id, slot_id, start_time, end_time, status, validation_token, created_at, updated_at`

// Interface methods

func (s *PgStore) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (s *PgStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

// FindFreeSlot picks the tightest unbooked slot containing [start, end).
// SKIP LOCKED makes concurrent bookings for the same interval serialize at
// the row: the loser sees no candidate instead of blocking.
func (s *PgStore) FindFreeSlot(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (*Slot, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, doctor_id, start_time, end_time, booked, created_at, updated_at
		FROM availability_slots
		WHERE doctor_id = $1
		  AND start_time <= $2
		  AND end_time >= $3
		  AND booked = false
		ORDER BY end_time - start_time, start_time
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, doctorID, start, end)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrNoAvailableSlot
		}
		return nil, err
	}
	return slot, nil
}

func (s *PgStore) ClaimSlot(ctx context.Context, slotID uuid.UUID) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE availability_slots
		SET booked = true,
		    updated_at = now()
		WHERE id = $1
		  AND booked = false
	`, slotID)
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ReleaseSlot(ctx context.Context, slotID uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		UPDATE availability_slots
		SET booked = false,
		    updated_at = now()
		WHERE id = $1
	`, slotID)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *PgStore) ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, doctor_id, start_time, end_time, booked, created_at, updated_at
		FROM availability_slots
		WHERE doctor_id = $1
		  AND booked = false
		  AND start_time >= $2
		  AND end_time <= $3
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sl)
	}
	return result, rows.Err()
}

func (s *PgStore) CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, slot_id, start_time, end_time, status, validation_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns+`
	`, appt.ID, appt.DoctorID, appt.PatientID, appt.SlotID, appt.StartTime, appt.EndTime, appt.Status, appt.ValidationToken)

	return scanAppointment(row)
}

func (s *PgStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) GetAppointmentByToken(ctx context.Context, token string) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE validation_token = $1
	`, token)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return appt, nil
}

func (s *PgStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	return scanAppointment(row)
}

func (s *PgStore) UpdateAppointmentSchedule(ctx context.Context, id, slotID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    start_time = $3,
		    end_time = $4,
		    status = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, slotID, start, end, status)

	return scanAppointment(row)
}

const detailQuery = `
	SELECT a.id, a.doctor_id, a.patient_id, a.slot_id, a.start_time, a.end_time, a.status, a.validation_token, a.created_at, a.updated_at,
	       d.id, d.name, d.specialty, d.created_at, d.updated_at,
	       p.id, p.name, p.email, p.created_at, p.updated_at,
	       s.id, s.doctor_id, s.start_time, s.end_time, s.booked, s.created_at, s.updated_at
	FROM appointments a
	JOIN doctors d ON d.id = a.doctor_id
	JOIN patients p ON p.id = a.patient_id
	JOIN availability_slots s ON s.id = a.slot_id
`

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var det AppointmentDetail
	var d Doctor
	var p Patient
	var sl Slot

	err := row.Scan(
		&det.ID, &det.DoctorID, &det.PatientID, &det.SlotID,
		&det.StartTime, &det.EndTime, &det.Status, &det.ValidationToken,
		&det.CreatedAt, &det.UpdatedAt,
		&d.ID, &d.Name, &d.Specialty, &d.CreatedAt, &d.UpdatedAt,
		&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt,
		&sl.ID, &sl.DoctorID, &sl.StartTime, &sl.EndTime, &sl.Booked, &sl.CreatedAt, &sl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	det.Doctor = &d
	det.Patient = &p
	det.Slot = &sl
	return &det, nil
}

func (s *PgStore) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := s.q.QueryRow(ctx, detailQuery+` WHERE a.id = $1`, id)
	return scanDetail(row)
}

func (s *PgStore) listDetails(ctx context.Context, query string, args ...any) ([]AppointmentDetail, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		det, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *det)
	}
	return result, rows.Err()
}

func (s *PgStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	return s.listDetails(ctx, detailQuery+`
		WHERE a.patient_id = $1
		ORDER BY a.start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
}

func (s *PgStore) ListAppointmentsByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	return s.listDetails(ctx, detailQuery+`
		WHERE a.doctor_id = $1
		ORDER BY a.start_time DESC
		LIMIT $2 OFFSET $3
	`, doctorID, limit, offset)
}

func (s *PgStore) FindSlotMismatches(ctx context.Context) ([]SlotMismatch, error) {
	rows, err := s.q.Query(ctx, `
		SELECT s.id, s.booked, COUNT(a.id) AS live_refs
		FROM availability_slots s
		LEFT JOIN appointments a
		  ON a.slot_id = s.id
		 AND a.status IN ('scheduled', 'in_progress', 'completed')
		GROUP BY s.id, s.booked
		HAVING s.booked <> (COUNT(a.id) > 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SlotMismatch
	for rows.Next() {
		var m SlotMismatch
		if err := rows.Scan(&m.SlotID, &m.Booked, &m.LiveRefs); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
