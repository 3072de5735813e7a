package db

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Embedded(t *testing.T) {
	migrations, err := NewMigrator(nil).Load()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_core.sql", migrations[0].Name)

	all := ""
	for _, m := range migrations {
		all += m.SQL
	}
	for _, table := range []string{"providers", "appointments", "slot_claims", "payment_sessions", "event_logs"} {
		assert.True(t, strings.Contains(all, "CREATE TABLE IF NOT EXISTS "+table), "missing table %s", table)
	}
}

func TestLoad_SortsAndSkips(t *testing.T) {
	files := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("notes")},
		"seed.sql":       {Data: []byte("SELECT 0;")},
	}

	migrations, err := NewMigratorFS(nil, files).Load()
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	assert.Equal(t, "SELECT 1;", migrations[0].SQL)
}

func TestLoad_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	}

	_, err := NewMigratorFS(nil, files).Load()
	assert.Error(t, err)
}
