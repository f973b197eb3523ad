package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsEmbedded(t *testing.T) {
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 4)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.SQL)
	}
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS orders")
	assert.Contains(t, migrations[1].SQL, "CREATE TABLE IF NOT EXISTS outbox")
}

func TestLoadMigrationsOrdersAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_late.sql":  {Data: []byte("SELECT 10")},
		"m/002_early.sql": {Data: []byte("SELECT 2")},
		"m/README.md":     {Data: []byte("notes")},
		"m/draft.sql":     {Data: []byte("SELECT 0")},
		"m/x_bad.sql":     {Data: []byte("SELECT -1")},
	}

	migrations, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "002_early.sql", migrations[0].Name)
	assert.Equal(t, 10, migrations[1].Version)
}
