package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("APP_ENV", "dev")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 30*time.Minute, cfg.SlotGrid)
	assert.Equal(t, "usd", cfg.Currency)
	assert.Equal(t, "dev-secret", cfg.JWTSecret)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_Validation(t *testing.T) {
	t.Run("postgres needs dsn", func(t *testing.T) {
		t.Setenv("STORAGE", "postgres")
		t.Setenv("POSTGRES_DSN", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown storage", func(t *testing.T) {
		t.Setenv("STORAGE", "mongo")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("prod needs jwt secret", func(t *testing.T) {
		t.Setenv("STORAGE", "memory")
		t.Setenv("APP_ENV", "prod")
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOCK_WAIT", "3")
	t.Setenv("SLOT_GRID", "15m")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("REDIS_URL", "redis://app:pw@cache:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.LockWait)
	assert.Equal(t, 15*time.Minute, cfg.SlotGrid)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, "app", cfg.RedisUsername)
	assert.Equal(t, "pw", cfg.RedisPassword)
}
