package integrity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/metrics"
)

const day = "2025-07-10"

func seed(t *testing.T, store *appointment.MemoryStore, providerID uuid.UUID, slotTime string) *appointment.Appointment {
	t.Helper()
	a := &appointment.Appointment{
		PatientID:  "u1",
		ProviderID: providerID,
		SlotDate:   day,
		SlotTime:   slotTime,
		Amount:     decimal.NewFromInt(30),
	}
	require.NoError(t, store.Create(context.Background(), a))
	return a
}

func TestChecker_CleanState(t *testing.T) {
	ctx := context.Background()
	store := appointment.NewMemoryStore()
	idx := availability.NewMemoryIndex()
	p := uuid.New()

	seed(t, store, p, "10:00")
	require.NoError(t, idx.Claim(ctx, p, day, "10:00"))

	c := NewChecker(store, idx, lock.NewLocal(), zerolog.Nop(), metrics.NewUnregistered())
	report, err := c.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DaysChecked)
	assert.Empty(t, report.Discrepancies)
}

func TestChecker_FindsAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	store := appointment.NewMemoryStore()
	idx := availability.NewMemoryIndex()
	p := uuid.New()

	// live appointment without a claim
	seed(t, store, p, "10:00")
	// claim without an appointment
	require.NoError(t, idx.Claim(ctx, p, day, "11:00"))
	// cancelled appointment whose claim was never released
	cancelled := seed(t, store, p, "12:00")
	require.NoError(t, idx.Claim(ctx, p, day, "12:00"))
	_, err := store.MarkCancelled(ctx, cancelled.ID)
	require.NoError(t, err)

	c := NewChecker(store, idx, lock.NewLocal(), zerolog.Nop(), metrics.NewUnregistered())

	report, err := c.Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 3)
	assert.Zero(t, report.Repaired())

	kinds := map[string]string{}
	for _, d := range report.Discrepancies {
		kinds[d.SlotTime] = d.Kind
	}
	assert.Equal(t, map[string]string{
		"10:00": appointment.WarnMissingClaim,
		"11:00": appointment.WarnOrphanedClaim,
		"12:00": appointment.WarnOrphanedClaim,
	}, kinds)

	// check alone never touches the index
	claimed, err := idx.Claimed(ctx, p, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"11:00", "12:00"}, claimed)

	report, err = c.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Repaired())

	claimed, err = idx.Claimed(ctx, p, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00"}, claimed)

	report, err = c.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)

	repaired := 0
	for _, ev := range store.Events() {
		if ev.EventType == appointment.EventIntegrityRepaired {
			repaired++
		}
	}
	assert.Equal(t, 3, repaired)
}
