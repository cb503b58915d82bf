package migration

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	m, err := Open(db, "")
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Up(ctx))

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	// Applying again must be a no-op, not an error.
	require.NoError(t, m.Up(ctx))

	var count int
	row := db.QueryRowContext(ctx, "SELECT count(*) FROM virtual_keys")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)
}

func TestMigrator_InfoBeforeUp(t *testing.T) {
	db := openTestDB(t)

	m, err := Open(db, "")
	require.NoError(t, err)
	defer m.Close()

	info, err := m.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint(0), info.CurrentVersion)
	require.False(t, info.Dirty)
}
