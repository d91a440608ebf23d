package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertdesk/internal/db"
)

func TestLoadMigrationsPerDialect(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		ms, err := loadMigrations(d)
		require.NoError(t, err)
		require.Len(t, ms, 3)
		for i, m := range ms {
			assert.Equal(t, i+1, m.Version)
		}
		assert.Contains(t, ms[1].Name, string(d))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, db.SQLite))
	require.NoError(t, Migrate(conn, db.SQLite))
	v, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
