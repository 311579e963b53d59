package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by the engine tests. A single mutex
// serializes transactions, and WithinTx snapshots the mutable state so a
// failed callback rolls back exactly like the durable store.
type MemoryStore struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]Doctor
	patients map[uuid.UUID]Patient
	slots    map[uuid.UUID]Slot
	appts    map[uuid.UUID]Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		doctors:  make(map[uuid.UUID]Doctor),
		patients: make(map[uuid.UUID]Patient),
		slots:    make(map[uuid.UUID]Slot),
		appts:    make(map[uuid.UUID]Appointment),
	}
}

func (m *MemoryStore) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = d
}

func (m *MemoryStore) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryStore) AddSlot(s Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.ID] = s
}

// Slot returns a copy of the stored slot, for assertions.
func (m *MemoryStore) Slot(id uuid.UUID) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slotsSnap := cloneMap(m.slots)
	apptsSnap := cloneMap(m.appts)

	if err := fn(&memTx{s: m}); err != nil {
		m.slots = slotsSnap
		m.appts = apptsSnap
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Locked reads/writes shared by the plain and transaction-scoped views.

func (m *MemoryStore) getDoctor(id uuid.UUID) (*Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *MemoryStore) getPatient(id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryStore) findFreeSlot(doctorID uuid.UUID, start, end time.Time) (*Slot, error) {
	var candidates []Slot
	for _, s := range m.slots {
		if s.DoctorID == doctorID && !s.Booked && s.Contains(start, end) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableSlot
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := candidates[i].EndTime.Sub(candidates[i].StartTime)
		dj := candidates[j].EndTime.Sub(candidates[j].StartTime)
		if di != dj {
			return di < dj
		}
		return candidates[i].StartTime.Before(candidates[j].StartTime)
	})
	slot := candidates[0]
	return &slot, nil
}

func (m *MemoryStore) claimSlot(id uuid.UUID) (bool, error) {
	s, ok := m.slots[id]
	if !ok {
		return false, ErrSlotNotFound
	}
	if s.Booked {
		return false, nil
	}
	s.Booked = true
	s.UpdatedAt = time.Now()
	m.slots[id] = s
	return true, nil
}

func (m *MemoryStore) releaseSlot(id uuid.UUID) error {
	s, ok := m.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	s.Booked = false
	s.UpdatedAt = time.Now()
	m.slots[id] = s
	return nil
}

func (m *MemoryStore) listOpenSlots(doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	var result []Slot
	for _, s := range m.slots {
		if s.DoctorID == doctorID && !s.Booked && !s.StartTime.Before(from) && !s.EndTime.After(to) {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (m *MemoryStore) createAppointment(appt *Appointment) (*Appointment, error) {
	now := time.Now()
	a := *appt
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appts[a.ID] = a
	return &a, nil
}

func (m *MemoryStore) getAppointment(id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) getAppointmentByToken(token string) (*Appointment, error) {
	for _, a := range m.appts {
		if a.ValidationToken == token {
			a := a
			return &a, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (m *MemoryStore) updateStatus(id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	m.appts[id] = a
	return &a, nil
}

func (m *MemoryStore) updateSchedule(id, slotID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.SlotID = slotID
	a.StartTime = start
	a.EndTime = end
	a.Status = status
	a.UpdatedAt = time.Now()
	m.appts[id] = a
	return &a, nil
}

func (m *MemoryStore) detail(id uuid.UUID) (*AppointmentDetail, error) {
	a, err := m.getAppointment(id)
	if err != nil {
		return nil, err
	}
	det := AppointmentDetail{Appointment: *a}
	if d, ok := m.doctors[a.DoctorID]; ok {
		det.Doctor = &d
	}
	if p, ok := m.patients[a.PatientID]; ok {
		det.Patient = &p
	}
	if s, ok := m.slots[a.SlotID]; ok {
		det.Slot = &s
	}
	return &det, nil
}

func (m *MemoryStore) listDetails(match func(Appointment) bool, limit, offset int) ([]AppointmentDetail, error) {
	var all []Appointment
	for _, a := range m.appts {
		if match(a) {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })

	var result []AppointmentDetail
	for i := offset; i < len(all) && len(result) < limit; i++ {
		det, err := m.detail(all[i].ID)
		if err != nil {
			return nil, err
		}
		result = append(result, *det)
	}
	return result, nil
}

func (m *MemoryStore) findSlotMismatches() ([]SlotMismatch, error) {
	refs := make(map[uuid.UUID]int)
	for _, a := range m.appts {
		if a.Status != StatusCanceled {
			refs[a.SlotID]++
		}
	}

	var result []SlotMismatch
	for id, s := range m.slots {
		live := refs[id]
		if s.Booked != (live > 0) {
			result = append(result, SlotMismatch{SlotID: id, Booked: s.Booked, LiveRefs: live})
		}
	}
	return result, nil
}

// Plain (auto-locking) Store view.

func (m *MemoryStore) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getDoctor(id)
}

func (m *MemoryStore) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getPatient(id)
}

func (m *MemoryStore) FindFreeSlot(_ context.Context, doctorID uuid.UUID, start, end time.Time) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findFreeSlot(doctorID, start, end)
}

func (m *MemoryStore) ClaimSlot(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimSlot(id)
}

func (m *MemoryStore) ReleaseSlot(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseSlot(id)
}

func (m *MemoryStore) ListOpenSlots(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listOpenSlots(doctorID, from, to)
}

func (m *MemoryStore) CreateAppointment(_ context.Context, appt *Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAppointment(appt)
}

func (m *MemoryStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAppointment(id)
}

func (m *MemoryStore) GetAppointmentForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAppointment(id)
}

func (m *MemoryStore) GetAppointmentByToken(_ context.Context, token string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAppointmentByToken(token)
}

func (m *MemoryStore) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatus(id, from, to)
}

func (m *MemoryStore) UpdateAppointmentSchedule(_ context.Context, id, slotID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSchedule(id, slotID, start, end, status)
}

func (m *MemoryStore) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detail(id)
}

func (m *MemoryStore) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDetails(func(a Appointment) bool { return a.PatientID == patientID }, limit, offset)
}

func (m *MemoryStore) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDetails(func(a Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

func (m *MemoryStore) FindSlotMismatches(_ context.Context) ([]SlotMismatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findSlotMismatches()
}

// memTx is the transaction-scoped view: the MemoryStore mutex is already
// held, so methods call the unlocked implementations directly.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) WithinTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	return t.s.getDoctor(id)
}

func (t *memTx) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	return t.s.getPatient(id)
}

func (t *memTx) FindFreeSlot(_ context.Context, doctorID uuid.UUID, start, end time.Time) (*Slot, error) {
	return t.s.findFreeSlot(doctorID, start, end)
}

func (t *memTx) ClaimSlot(_ context.Context, id uuid.UUID) (bool, error) {
	return t.s.claimSlot(id)
}

func (t *memTx) ReleaseSlot(_ context.Context, id uuid.UUID) error {
	return t.s.releaseSlot(id)
}

func (t *memTx) ListOpenSlots(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	return t.s.listOpenSlots(doctorID, from, to)
}

func (t *memTx) CreateAppointment(_ context.Context, appt *Appointment) (*Appointment, error) {
	return t.s.createAppointment(appt)
}

func (t *memTx) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return t.s.getAppointment(id)
}

func (t *memTx) GetAppointmentForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return t.s.getAppointment(id)
}

func (t *memTx) GetAppointmentByToken(_ context.Context, token string) (*Appointment, error) {
	return t.s.getAppointmentByToken(token)
}

func (t *memTx) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	return t.s.updateStatus(id, from, to)
}

func (t *memTx) UpdateAppointmentSchedule(_ context.Context, id, slotID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error) {
	return t.s.updateSchedule(id, slotID, start, end, status)
}

func (t *memTx) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	return t.s.detail(id)
}

func (t *memTx) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	return t.s.listDetails(func(a Appointment) bool { return a.PatientID == patientID }, limit, offset)
}

func (t *memTx) ListAppointmentsByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	return t.s.listDetails(func(a Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

func (t *memTx) FindSlotMismatches(_ context.Context) ([]SlotMismatch, error) {
	return t.s.findSlotMismatches()
}
