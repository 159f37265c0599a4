package db

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrateCreatesSchema(t *testing.T) {
	d := openMemoryDB(t)
	require.NoError(t, Migrate(context.Background(), d, nil))

	// jobs table exists and is empty
	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	assert.Equal(t, 0, count)

	// rate-limit ledger exists
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM job_queue_rate_limit").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openMemoryDB(t)
	require.NoError(t, Migrate(context.Background(), d, nil))
	require.NoError(t, Migrate(context.Background(), d, nil))

	// Both migrations applied exactly once, tracked in conveyor's own
	// version table
	var applied int
	require.NoError(t, d.QueryRow(
		"SELECT COUNT(*) FROM conveyor_schema_migrations WHERE version_id > 0").Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestConnectOpensAndMigrates(t *testing.T) {
	path := t.TempDir() + "/jobs.db"
	d, err := Connect(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	assert.Equal(t, 0, count)

	// WAL pragma stuck
	var mode string
	require.NoError(t, d.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestJobsIndexes(t *testing.T) {
	d := openMemoryDB(t)
	require.NoError(t, Migrate(context.Background(), d, nil))

	rows, err := d.Query(`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'jobs'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	assert.True(t, found["idx_jobs_status"])
	assert.True(t, found["idx_jobs_status_run_after"])
	assert.True(t, found["idx_jobs_job_run_id"])
	assert.True(t, found["idx_jobs_task_fingerprint_status"])
}
