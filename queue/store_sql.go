package queue

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teranos/conveyor/errors"
)

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

// SQLStore persists jobs in a relational database. Two dialects ship:
// SQLite (single-file embedded store) and PostgreSQL (server store with
// row-level locking). Schema lives in db/sqlite/migrations and pg/schema.go.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect

	// Serializes Next on SQLite, where claim atomicity comes from a
	// select-then-update transaction rather than row locks.
	claimMu sync.Mutex
}

// NewSQLiteStore creates a job store over an open SQLite database.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: dialectSQLite}
}

// NewPostgresStore creates a job store over an open PostgreSQL pool.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: dialectPostgres}
}

// rebind rewrites ?-placeholders to $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Add inserts a pending job.
func (s *SQLStore) Add(job *Job) (string, error) {
	query := s.rebind(`
		INSERT INTO jobs (
			id, queue_name, job_run_id, task_type, input, fingerprint,
			status, output, error, retries, max_retries,
			run_after, deadline_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.Exec(query,
		job.ID,
		job.QueueName,
		nullString(job.JobRunID),
		job.TaskType,
		nullRaw(job.Input),
		job.Fingerprint,
		job.Status,
		nullRaw(job.Output),
		nullString(job.Error),
		job.Retries,
		job.MaxRetries,
		job.RunAfter,
		nullTime(job.DeadlineAt),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", errors.Wrapf(errors.ErrDuplicate, "job %s", job.ID)
		}
		return "", errors.Wrap(err, "failed to add job")
	}
	return job.ID, nil
}

// isUniqueViolation detects primary-key collisions across both dialects
// without importing driver error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// Get returns a job by id.
func (s *SQLStore) Get(id string) (*Job, error) {
	query := s.rebind(`SELECT ` + jobSelectColumns() + ` FROM jobs WHERE id = ?`)

	var job Job
	err := scanJobRow(s.db.QueryRow(query, id).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &job, nil
}

// Peek returns up to n pending jobs in claim order without claiming them.
func (s *SQLStore) Peek(n int) ([]*Job, error) {
	query := s.rebind(`SELECT ` + jobSelectColumns() + `
		FROM jobs
		WHERE status = 'pending'
		ORDER BY run_after ASC, created_at ASC, id ASC
		LIMIT ?`)

	rows, err := s.db.Query(query, n)
	if err != nil {
		return nil, errors.Wrap(err, "failed to peek jobs")
	}
	defer rows.Close()

	return scanJobRows(rows, "pending jobs")
}

// Next atomically claims the earliest eligible pending job.
func (s *SQLStore) Next() (*Job, error) {
	if s.dialect == dialectPostgres {
		return s.nextPostgres()
	}
	return s.nextSQLite()
}

// nextPostgres claims in a single statement; SKIP LOCKED keeps concurrent
// claimers off the same row.
func (s *SQLStore) nextPostgres() (*Job, error) {
	query := s.rebind(`
		UPDATE jobs SET status = 'processing', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now()
			ORDER BY run_after ASC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobSelectColumns())

	var job Job
	err := scanJobRow(s.db.QueryRow(query).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim next job")
	}
	return &job, nil
}

// nextSQLite claims under a store-level mutex: select the earliest eligible
// row, then flip it to processing in the same transaction.
func (s *SQLStore) nextSQLite() (*Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim tx")
	}
	defer tx.Rollback()

	query := `SELECT ` + jobSelectColumns() + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC, id ASC
		LIMIT 1`

	now := time.Now()
	var job Job
	err = scanJobRow(tx.QueryRow(query, now).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next job")
	}

	res, err := tx.Exec(
		`UPDATE jobs SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, job.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to confirm claim")
	}
	if claimed == 0 {
		// Row changed under us; treat as nothing eligible this round
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	job.Status = JobStatusProcessing
	job.UpdatedAt = now
	return &job, nil
}

func (s *SQLStore) listByStatus(status JobStatus, context string) ([]*Job, error) {
	query := s.rebind(`SELECT ` + jobSelectColumns() + `
		FROM jobs
		WHERE status = ?
		ORDER BY run_after ASC, created_at ASC, id ASC`)

	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", context)
	}
	defer rows.Close()

	return scanJobRows(rows, context)
}

// Processing returns all claimed jobs.
func (s *SQLStore) Processing() ([]*Job, error) {
	return s.listByStatus(JobStatusProcessing, "processing jobs")
}

// Aborting returns all jobs flagged for abort.
func (s *SQLStore) Aborting() ([]*Job, error) {
	return s.listByStatus(JobStatusAborting, "aborting jobs")
}

// Complete applies the outcome classification and persists the result.
func (s *SQLStore) Complete(id string, output json.RawMessage, execErr error) (*Job, Outcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, OutcomeFailed, errors.Wrap(err, "failed to begin complete tx")
	}
	defer tx.Rollback()

	query := s.rebind(`SELECT ` + jobSelectColumns() + ` FROM jobs WHERE id = ?`)
	var job Job
	err = scanJobRow(tx.QueryRow(query, id).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, OutcomeFailed, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, OutcomeFailed, errors.Wrap(err, "failed to load job for completion")
	}

	outcome := job.resolve(output, execErr, time.Now())

	update := s.rebind(`
		UPDATE jobs
		SET status = ?, output = ?, error = ?, retries = ?, run_after = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := tx.Exec(update,
		job.Status,
		nullRaw(job.Output),
		nullString(job.Error),
		job.Retries,
		job.RunAfter,
		job.UpdatedAt,
		job.ID,
	); err != nil {
		return nil, OutcomeFailed, errors.Wrap(err, "failed to complete job")
	}

	if err := tx.Commit(); err != nil {
		return nil, OutcomeFailed, errors.Wrap(err, "failed to commit completion")
	}
	return &job, outcome, nil
}

// Skip marks a claimed job as satisfied by a prior identical result.
func (s *SQLStore) Skip(id string, output json.RawMessage) (*Job, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	job.skip(output, time.Now())

	update := s.rebind(`
		UPDATE jobs
		SET status = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := s.db.Exec(update, job.Status, nullRaw(job.Output), nullString(job.Error), job.UpdatedAt, job.ID); err != nil {
		return nil, errors.Wrap(err, "failed to skip job")
	}
	return job, nil
}

// Abort transitions a processing job to aborting.
func (s *SQLStore) Abort(id string) (*Job, error) {
	query := s.rebind(`
		UPDATE jobs SET status = 'aborting', updated_at = ?
		WHERE id = ? AND status = 'processing'`)

	res, err := s.db.Exec(query, time.Now(), id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to abort job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to confirm abort")
	}
	if affected == 0 {
		job, getErr := s.Get(id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.Newf("job %s is not processing (status: %s)", id, job.Status)
	}
	return s.Get(id)
}

// Requeue returns an orphaned processing/aborting job to pending.
func (s *SQLStore) Requeue(id string) error {
	query := s.rebind(`
		UPDATE jobs SET status = 'pending', error = '', updated_at = ?
		WHERE id = ?`)

	res, err := s.db.Exec(query, time.Now(), id)
	if err != nil {
		return errors.Wrap(err, "failed to requeue job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to confirm requeue")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	return nil
}

// JobsByRunID returns all jobs sharing a jobRunId.
func (s *SQLStore) JobsByRunID(runID string) ([]*Job, error) {
	query := s.rebind(`SELECT ` + jobSelectColumns() + `
		FROM jobs
		WHERE job_run_id = ?
		ORDER BY created_at ASC, id ASC`)

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by run id")
	}
	defer rows.Close()

	return scanJobRows(rows, "run jobs")
}

// OutputForInput returns the output of a completed job matching the input's
// fingerprint. Most recently updated wins, then largest id.
func (s *SQLStore) OutputForInput(taskType string, input json.RawMessage) (json.RawMessage, error) {
	fp, err := Fingerprint(input)
	if err != nil {
		return nil, err
	}

	query := s.rebind(`
		SELECT output FROM jobs
		WHERE task_type = ? AND fingerprint = ? AND status = 'completed'
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`)

	var output sql.NullString
	err = s.db.QueryRow(query, taskType, fp).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up memoized output")
	}
	if !output.Valid {
		return nil, nil
	}
	return json.RawMessage(output.String), nil
}

// Stats counts jobs by status.
func (s *SQLStore) Stats() (*Stats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		stats.add(status, count)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}
	return stats, nil
}

// Cleanup deletes terminal jobs whose UpdatedAt is older than the cutoff.
func (s *SQLStore) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := s.rebind(`
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'skipped')
		  AND updated_at < ?`)

	res, err := s.db.Exec(query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(removed), nil
}

// Size returns the total number of jobs.
func (s *SQLStore) Size() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count jobs")
	}
	return count, nil
}

// DeleteAll removes every job.
func (s *SQLStore) DeleteAll() error {
	if _, err := s.db.Exec(`DELETE FROM jobs`); err != nil {
		return errors.Wrap(err, "failed to delete jobs")
	}
	return nil
}

// RecordStart implements RateLimitStore over the job_queue_rate_limit table.
func (s *SQLStore) RecordStart(queueName string, at time.Time) error {
	query := s.rebind(`INSERT INTO job_queue_rate_limit (queue, started_at) VALUES (?, ?)`)
	if _, err := s.db.Exec(query, queueName, at); err != nil {
		return errors.Wrap(err, "failed to record start")
	}
	return nil
}

// StartsSince implements RateLimitStore over the job_queue_rate_limit table.
func (s *SQLStore) StartsSince(queueName string, since time.Time) ([]time.Time, error) {
	query := s.rebind(`
		SELECT started_at FROM job_queue_rate_limit
		WHERE queue = ? AND started_at >= ?
		ORDER BY started_at ASC`)

	rows, err := s.db.Query(query, queueName, since)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rate ledger")
	}
	defer rows.Close()

	var starts []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, errors.Wrap(err, "failed to scan start time")
		}
		starts = append(starts, at)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rate ledger")
	}
	return starts, nil
}

// PruneBefore implements RateLimitStore over the job_queue_rate_limit table.
func (s *SQLStore) PruneBefore(queueName string, cutoff time.Time) error {
	query := s.rebind(`DELETE FROM job_queue_rate_limit WHERE queue = ? AND started_at < ?`)
	if _, err := s.db.Exec(query, queueName, cutoff); err != nil {
		return errors.Wrap(err, "failed to prune rate ledger")
	}
	return nil
}

// Clear implements RateLimitStore over the job_queue_rate_limit table.
func (s *SQLStore) Clear(queueName string) error {
	query := s.rebind(`DELETE FROM job_queue_rate_limit WHERE queue = ?`)
	if _, err := s.db.Exec(query, queueName); err != nil {
		return errors.Wrap(err, "failed to clear rate ledger")
	}
	return nil
}
