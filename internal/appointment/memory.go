package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anouar4070/MediTime-2/internal/availability"
)

type MemoryStore struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]Appointment
	events       []EventLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{appointments: make(map[uuid.UUID]Appointment)}
}

func (m *MemoryStore) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Cancelled = false
	a.PaymentStatus = PaymentUnpaid
	m.appointments[a.ID] = *a
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	var result []Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			result = append(result, a)
		}
	}
	m.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if offset >= len(result) {
		return []Appointment{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(result) {
		end = len(result)
	}
	return result[offset:end], nil
}

func (m *MemoryStore) MarkCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return false, ErrAppointmentNotFound
	}
	if a.Cancelled {
		return false, nil
	}
	now := time.Now()
	a.Cancelled = true
	a.CancelledAt = &now
	a.UpdatedAt = now
	m.appointments[id] = a
	return true, nil
}

func (m *MemoryStore) MarkPaid(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	switch {
	case !ok:
		return nil, ErrAppointmentNotFound
	case a.Cancelled:
		return nil, ErrAppointmentCancelled
	case a.PaymentStatus == PaymentPaid:
		return nil, ErrAlreadyPaid
	}
	now := time.Now()
	a.PaymentStatus = PaymentPaid
	a.PaidAt = &now
	a.UpdatedAt = now
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryStore) ActiveSlotTimes(_ context.Context, providerID uuid.UUID, date string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []string{}
	for _, a := range m.appointments {
		if !a.Cancelled && a.ProviderID == providerID && a.SlotDate == date {
			out = append(out, a.SlotTime)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ActiveKeys(_ context.Context) ([]availability.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[availability.Key]struct{})
	var keys []availability.Key
	for _, a := range m.appointments {
		if a.Cancelled {
			continue
		}
		k := a.Key()
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the audit trail.
func (m *MemoryStore) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventLog(nil), m.events...)
}
