package app

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

func TestBuild_Memory(t *testing.T) {
	t.Setenv("STORAGE", config.StorageMemory)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("APP_ENV", "dev")

	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := Build(context.Background(), cfg, zerolog.Nop(), BuildOptions{})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Pool)
	assert.Nil(t, a.Redis)
	assert.IsType(t, &lock.Local{}, a.Locker)

	ctx := context.Background()
	p, err := a.Providers.Create(ctx, provider.CreateInput{
		Name:       "Dr. Amine",
		Email:      "amine@example.com",
		Speciality: "General physician",
		Degree:     "MBBS",
		Experience: "3 Years",
		About:      "General care",
		Address:    provider.Address{Line1: "12 Rue de Marseille"},
		Fees:       decimal.NewFromInt(40),
		Available:  true,
	})
	require.NoError(t, err)

	_, err = a.Appointments.BookSlot(ctx, "patient-1", p.ID, "2025-07-10", "10:00")
	require.NoError(t, err)

	day, err := a.Availability.Day(ctx, p.ID, "2025-07-10")
	require.NoError(t, err)
	require.NotEmpty(t, day.Slots)
	assert.False(t, day.Slots[0].Free)

	report, err := a.Integrity.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Discrepancies)
}
