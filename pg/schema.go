package pg

import (
	"database/sql"

	"github.com/teranos/conveyor/errors"
)

// schema mirrors db/sqlite/migrations for PostgreSQL types. Kept inline since
// the postgres backend owns no other DDL.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    queue_name TEXT NOT NULL,
    job_run_id TEXT,
    task_type TEXT NOT NULL,
    input TEXT,
    fingerprint TEXT NOT NULL,
    status TEXT NOT NULL,
    output TEXT,
    error TEXT,
    retries INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    run_after TIMESTAMPTZ NOT NULL,
    deadline_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_run_after ON jobs(status, run_after);
CREATE INDEX IF NOT EXISTS idx_jobs_job_run_id ON jobs(job_run_id);
CREATE INDEX IF NOT EXISTS idx_jobs_task_fingerprint_status ON jobs(task_type, fingerprint, status);

CREATE TABLE IF NOT EXISTS job_queue_rate_limit (
    queue TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_queue_rate_limit ON job_queue_rate_limit(queue, started_at);
`

// EnsureSchema creates the jobs and rate-limit tables if they do not exist.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to ensure postgres schema")
	}
	return nil
}
