package appointment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/metrics"
	"github.com/anouar4070/MediTime-2/internal/provider"
	"github.com/anouar4070/MediTime-2/internal/retry"
)

const testDate = "2025-07-10"

type fixture struct {
	svc       *Service
	store     Store
	mem       *MemoryStore
	index     availability.Index
	providers *provider.MemoryRepository
	metrics   *metrics.Metrics
	provider  *provider.Provider
}

type fixtureOpt func(*fixture)

func withStore(wrap func(*MemoryStore) Store) fixtureOpt {
	return func(f *fixture) { f.store = wrap(f.mem) }
}

func withIndex(wrap func(*availability.MemoryIndex) availability.Index) fixtureOpt {
	return func(f *fixture) { f.index = wrap(f.index.(*availability.MemoryIndex)) }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()

	f := &fixture{
		mem:       NewMemoryStore(),
		index:     availability.NewMemoryIndex(),
		providers: provider.NewMemoryRepository(),
		metrics:   metrics.NewUnregistered(),
	}
	f.store = f.mem
	for _, o := range opts {
		o(f)
	}

	f.provider = &provider.Provider{
		Name:      "Dr. Sarra",
		Email:     "sarra@example.com",
		Fees:      decimal.NewFromInt(50),
		Available: true,
	}
	require.NoError(t, f.providers.Create(context.Background(), f.provider))

	f.svc = NewService(f.store, f.index, f.providers, lock.NewLocal(), zerolog.Nop(), f.metrics, Options{
		SlotGrid: 30 * time.Minute,
		Compensation: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Millisecond,
			BackoffFactor: 1,
		},
	})
	return f
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, ev := range f.mem.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

func TestBookSlot_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	assert.Equal(t, "u1", appt.PatientID)
	assert.Equal(t, "Dr. Sarra", appt.ProviderName)
	assert.True(t, appt.Amount.Equal(decimal.NewFromInt(50)))
	assert.False(t, appt.Cancelled)
	assert.Equal(t, PaymentUnpaid, appt.PaymentStatus)

	claimed, err := f.index.IsClaimed(ctx, f.provider.ID, testDate, "10:00")
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := f.store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, stored.ID)
	assert.Contains(t, f.eventTypes(), EventAppointmentBooked)
}

func TestBookSlot_SecondPatientGetsSlotTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	_, err = f.svc.BookSlot(ctx, "u2", f.provider.ID, testDate, "10:00")
	assert.ErrorIs(t, err, ErrSlotTaken)

	// a different time on the same day is unaffected
	_, err = f.svc.BookSlot(ctx, "u2", f.provider.ID, testDate, "10:30")
	assert.NoError(t, err)
}

func TestBookSlot_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 40
	var (
		wg      sync.WaitGroup
		booked  atomic.Int32
		taken   atomic.Int32
		unknown atomic.Int32
	)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.BookSlot(ctx, uuid.NewString(), f.provider.ID, testDate, "09:00")
			switch {
			case err == nil:
				booked.Add(1)
			case errors.Is(err, ErrSlotTaken):
				taken.Add(1)
			default:
				unknown.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, booked.Load())
	assert.EqualValues(t, callers-1, taken.Load())
	assert.Zero(t, unknown.Load())

	active, err := f.store.ActiveSlotTimes(ctx, f.provider.ID, testDate)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00"}, active)
}

func TestBookSlot_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	off := false
	closed := &provider.Provider{Name: "Dr. Off", Email: "off@example.com", Fees: decimal.NewFromInt(20), Available: true}
	require.NoError(t, f.providers.Create(ctx, closed))
	_, err := f.providers.Update(ctx, closed.ID, provider.UpdateInput{Available: &off})
	require.NoError(t, err)

	tests := []struct {
		name       string
		patient    string
		providerID uuid.UUID
		date, time string
		want       error
	}{
		{"unknown provider", "u1", uuid.New(), testDate, "10:00", provider.ErrProviderNotFound},
		{"provider not accepting", "u1", closed.ID, testDate, "10:00", ErrProviderUnavailable},
		{"bad date", "u1", f.provider.ID, "10/07/2025", "10:00", availability.ErrInvalidSlot},
		{"bad time", "u1", f.provider.ID, testDate, "25:00", availability.ErrInvalidSlot},
		{"off grid", "u1", f.provider.ID, testDate, "10:15", availability.ErrInvalidSlot},
		{"no patient", "", f.provider.ID, testDate, "10:00", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.BookSlot(ctx, tt.patient, tt.providerID, tt.date, tt.time)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	keys, err := f.index.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "rejected bookings must not leave claims")
}

func TestBookSlot_AmountIsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "11:00")
	require.NoError(t, err)

	fees := decimal.NewFromInt(120)
	_, err = f.providers.Update(ctx, f.provider.ID, provider.UpdateInput{Fees: &fees})
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(50)), "amount changed to %s", stored.Amount)
}

type failingCreateStore struct {
	*MemoryStore
}

func (s failingCreateStore) Create(context.Context, *Appointment) error {
	return errors.New("disk full")
}

func TestBookSlot_CompensatesFailedWrite(t *testing.T) {
	f := newFixture(t, withStore(func(m *MemoryStore) Store { return failingCreateStore{m} }))
	ctx := context.Background()

	_, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	claimed, err := f.index.IsClaimed(ctx, f.provider.ID, testDate, "10:00")
	require.NoError(t, err)
	assert.False(t, claimed, "claim must be released when the record write fails")
	assert.Zero(t, testutil.ToFloat64(f.metrics.OrphanedClaims))
}

// stuckIndex refuses to release anything.
type stuckIndex struct {
	*availability.MemoryIndex
	releases atomic.Int32
}

func (s *stuckIndex) Release(context.Context, uuid.UUID, string, string) error {
	s.releases.Add(1)
	return errors.New("index unreachable")
}

func TestBookSlot_OrphanedClaimIsEscalated(t *testing.T) {
	stuck := &stuckIndex{}
	f := newFixture(t,
		withStore(func(m *MemoryStore) Store { return failingCreateStore{m} }),
		withIndex(func(m *availability.MemoryIndex) availability.Index {
			stuck.MemoryIndex = m
			return stuck
		}),
	)

	_, err := f.svc.BookSlot(context.Background(), "u1", f.provider.ID, testDate, "10:00")
	require.Error(t, err)

	assert.EqualValues(t, 3, stuck.releases.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrphanedClaims))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntegrityWarnings.WithLabelValues(WarnOrphanedClaim)))
	assert.Contains(t, f.eventTypes(), EventIntegrityWarning)
}

func TestCancel_FreesSlotForRebooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, "u1", appt.ID))

	stored, err := f.store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
	assert.NotNil(t, stored.CancelledAt)

	again, err := f.svc.BookSlot(ctx, "u2", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)
	assert.NotEqual(t, appt.ID, again.ID)
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, "u1", appt.ID))

	// someone else books the freed slot; a repeated cancel must not free it
	other, err := f.svc.BookSlot(ctx, "u2", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, "u1", appt.ID))

	claimed, err := f.index.IsClaimed(ctx, f.provider.ID, testDate, "10:00")
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := f.store.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, stored.Cancelled)

	cancelled := 0
	for _, ev := range f.eventTypes() {
		if ev == EventAppointmentCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestCancel_ConcurrentReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.Cancel(ctx, "u1", appt.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Cancellations.WithLabelValues("cancelled")))
	assert.Zero(t, testutil.ToFloat64(f.metrics.IntegrityWarnings.WithLabelValues(WarnMissingClaim)))
}

func TestCancel_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, "u2", appt.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = f.svc.Cancel(ctx, "u1", uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	stored, err := f.store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.False(t, stored.Cancelled)
}

func TestCancel_MissingClaimWarnsButSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)

	// index drifted: claim vanished behind our back
	require.NoError(t, f.index.Release(ctx, f.provider.ID, testDate, "10:00"))

	require.NoError(t, f.svc.Cancel(ctx, "u1", appt.ID))

	stored, err := f.store.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IntegrityWarnings.WithLabelValues(WarnMissingClaim)))
	assert.Contains(t, f.eventTypes(), EventIntegrityWarning)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)
	_, err = f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "11:00")
	require.NoError(t, err)
	_, err = f.svc.BookSlot(ctx, "u2", f.provider.ID, testDate, "12:00")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, "u1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = f.svc.Get(ctx, "u2", first.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	list, err := f.svc.ListByPatient(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.ListByPatient(ctx, "u1", 1, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type countingInvalidator struct {
	mu   sync.Mutex
	keys []availability.Key
}

func (c *countingInvalidator) Invalidate(k availability.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, k)
}

func TestService_InvalidatesCachedAvailability(t *testing.T) {
	f := newFixture(t)
	inv := &countingInvalidator{}
	f.svc.opts.Invalidator = inv
	ctx := context.Background()

	appt, err := f.svc.BookSlot(ctx, "u1", f.provider.ID, testDate, "10:00")
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, "u1", appt.ID))

	want := availability.Key{ProviderID: f.provider.ID, Date: testDate}
	assert.Equal(t, []availability.Key{want, want}, inv.keys)
}
