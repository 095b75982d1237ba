package migrate

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const latestVersion = 3

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewRunner(db, nil).Run(context.Background()))

	for _, table := range []string{"notifications", "subscriber_state", "status_events", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, nil)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx))

	cur, pending, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, latestVersion, cur)
	assert.Zero(t, pending)
}

func TestStatusReportsPending(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, nil)
	ctx := context.Background()

	cur, pending, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, cur)
	assert.Equal(t, latestVersion, pending)
}
