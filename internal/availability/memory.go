package availability

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type daySet struct {
	mu    sync.Mutex
	times map[string]struct{}
}

// MemoryIndex keeps claims in process. Each day has its own mutex; the
// sync.Map only resolves the day, so unrelated days never contend.
type MemoryIndex struct {
	days sync.Map // Key -> *daySet
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) day(providerID uuid.UUID, date string) *daySet {
	k := Key{ProviderID: providerID, Date: date}
	if d, ok := m.days.Load(k); ok {
		return d.(*daySet)
	}
	d, _ := m.days.LoadOrStore(k, &daySet{times: make(map[string]struct{})})
	return d.(*daySet)
}

// lookup never creates a day, so reads leave no trace.
func (m *MemoryIndex) lookup(providerID uuid.UUID, date string) (*daySet, bool) {
	d, ok := m.days.Load(Key{ProviderID: providerID, Date: date})
	if !ok {
		return nil, false
	}
	return d.(*daySet), true
}

func (m *MemoryIndex) IsClaimed(_ context.Context, providerID uuid.UUID, date, slotTime string) (bool, error) {
	d, ok := m.lookup(providerID, date)
	if !ok {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.times[slotTime]
	return ok, nil
}

func (m *MemoryIndex) Claim(_ context.Context, providerID uuid.UUID, date, slotTime string) error {
	d := m.day(providerID, date)
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.times[slotTime]; ok {
		return ErrAlreadyClaimed
	}
	d.times[slotTime] = struct{}{}
	return nil
}

func (m *MemoryIndex) Release(_ context.Context, providerID uuid.UUID, date, slotTime string) error {
	d, ok := m.lookup(providerID, date)
	if !ok {
		return ErrNotClaimed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.times[slotTime]; !ok {
		return ErrNotClaimed
	}
	delete(d.times, slotTime)
	return nil
}

func (m *MemoryIndex) Claimed(_ context.Context, providerID uuid.UUID, date string) ([]string, error) {
	d, ok := m.lookup(providerID, date)
	if !ok {
		return []string{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.times))
	for t := range d.times {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryIndex) Keys(_ context.Context) ([]Key, error) {
	var keys []Key
	m.days.Range(func(k, v any) bool {
		d := v.(*daySet)
		d.mu.Lock()
		n := len(d.times)
		d.mu.Unlock()
		if n > 0 {
			keys = append(keys, k.(Key))
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
