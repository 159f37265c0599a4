package queue

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/conveyor/errors"
)

// jobScanArgs holds the nullable columns scanned from a jobs row.
type jobScanArgs struct {
	JobRunID   sql.NullString
	Input      sql.NullString
	Output     sql.NullString
	ErrorMsg   sql.NullString
	DeadlineAt sql.NullTime
}

// jobSelectColumns returns the standard column list for job SELECT queries.
func jobSelectColumns() string {
	return `id, queue_name, job_run_id, task_type, input, fingerprint,
		status, output, error, retries, max_retries,
		run_after, deadline_at, created_at, updated_at`
}

// jobScanTargets returns scan destinations for the job and its nullable
// columns, in the order of jobSelectColumns.
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.QueueName,
		&args.JobRunID,
		&job.TaskType,
		&args.Input,
		&job.Fingerprint,
		&job.Status,
		&args.Output,
		&args.ErrorMsg,
		&job.Retries,
		&job.MaxRetries,
		&job.RunAfter,
		&args.DeadlineAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// processJobScanArgs copies the scanned nullable columns onto the job.
func processJobScanArgs(job *Job, args *jobScanArgs) {
	if args.JobRunID.Valid {
		job.JobRunID = args.JobRunID.String
	}
	if args.Input.Valid {
		job.Input = json.RawMessage(args.Input.String)
	}
	if args.Output.Valid {
		job.Output = json.RawMessage(args.Output.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.DeadlineAt.Valid {
		deadline := args.DeadlineAt.Time
		job.DeadlineAt = &deadline
	}
}

// scanJobRow scans a single job from a row-like scanner.
func scanJobRow(scan func(dest ...interface{}) error, job *Job) error {
	args := &jobScanArgs{}
	targets := jobScanTargets(job, args)
	if err := scan(targets...); err != nil {
		return err
	}
	processJobScanArgs(job, args)
	return nil
}

// scanJobRows scans all jobs from query rows.
func scanJobRows(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobRow(rows.Scan, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}
