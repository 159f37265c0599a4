// Package queue provides durable, rate-limited, cancellable job queues.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/conveyor/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusAborting   JobStatus = "aborting"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSkipped    JobStatus = "skipped"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing, JobStatusAborting,
		JobStatusCompleted, JobStatusFailed, JobStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusSkipped:
		return true
	default:
		return false
	}
}

// Job represents a durable unit of work with a typed input, a fingerprint
// for idempotent result lookup, and a lifecycle that may include retries,
// backoff, failure, or external abort.
//
// ARCHITECTURE: Generic job system with handler-based execution
// - Infrastructure (queue) is domain-agnostic
// - Domain packages provide handlers and inputs
// - TaskType identifies which handler executes the job
// - Input contains handler-specific data (domain logic controls structure)
type Job struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queue_name"`
	JobRunID    string          `json:"job_run_id,omitempty"` // groups jobs submitted as one logical run
	TaskType    string          `json:"task_type"`            // "hf.text-generation", "media_pipe.segmentation"
	Input       json.RawMessage `json:"input,omitempty"`
	Fingerprint string          `json:"fingerprint"` // stable hash of Input, for memoization
	Status      JobStatus       `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retries     int             `json:"retries,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
	RunAfter    time.Time       `json:"run_after"` // earliest eligible start (retry backoff)
	DeadlineAt  *time.Time      `json:"deadline_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a pending job for a task type and input.
//
// Example:
//
//	input, _ := json.Marshal(GenerationInput{Prompt: "..."})
//	job, _ := queue.NewJob("hf.text-generation", input)
func NewJob(taskType string, input json.RawMessage) (*Job, error) {
	if taskType == "" {
		return nil, errors.New("taskType cannot be empty")
	}

	fp, err := Fingerprint(input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fingerprint input")
	}

	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Input:       input,
		Fingerprint: fp,
		Status:      JobStatusPending,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// normalize fills identity fields a producer may leave blank.
// Called by JobQueue.Add before the job reaches the store.
func (j *Job) normalize(queueName string, defaultMaxRetries int) error {
	if j.TaskType == "" {
		return errors.New("taskType cannot be empty")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.JobRunID == "" {
		j.JobRunID = uuid.NewString()
	}
	if j.Fingerprint == "" {
		fp, err := Fingerprint(j.Input)
		if err != nil {
			return errors.Wrap(err, "failed to fingerprint input")
		}
		j.Fingerprint = fp
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = defaultMaxRetries
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.RunAfter.IsZero() {
		j.RunAfter = j.CreatedAt
	}
	j.QueueName = queueName
	j.Status = JobStatusPending
	j.UpdatedAt = now
	return nil
}

// Claim marks the job as processing
func (j *Job) Claim() {
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
}

// Outcome describes how a finished execution was classified.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeRetry
	OutcomeSkipped
)

// resolve applies the outcome classification to the job.
//
// Classification:
//   - nil error: completed with output. A job whose persisted status is
//     already aborting still completes (persistence won the race).
//   - AbortError: terminal failed, no retry.
//   - RetryableError: increment retries; re-queue with RunAfter=RetryAt
//     while under the retry budget, else terminal failed.
//   - PermanentError or any other error: terminal failed. Unclassified
//     errors indicate a programming fault, not a transient condition.
func (j *Job) resolve(output json.RawMessage, execErr error, now time.Time) Outcome {
	j.UpdatedAt = now

	if execErr == nil {
		j.Status = JobStatusCompleted
		j.Output = output
		j.Error = ""
		return OutcomeCompleted
	}

	var retryable *RetryableError
	if errors.As(execErr, &retryable) {
		j.Retries++
		if j.Retries >= j.MaxRetries {
			j.Status = JobStatusFailed
			j.Error = errors.Wrapf(retryable, "retry budget exhausted after %d attempts", j.Retries).Error()
			return OutcomeFailed
		}
		j.Status = JobStatusPending
		j.RunAfter = retryable.RetryAt
		j.Error = retryable.Error()
		return OutcomeRetry
	}

	j.Status = JobStatusFailed
	j.Error = execErr.Error()
	return OutcomeFailed
}

// skip marks the job as satisfied by a prior identical result.
func (j *Job) skip(output json.RawMessage, now time.Time) {
	j.Status = JobStatusSkipped
	j.Output = output
	j.Error = ""
	j.UpdatedAt = now
}
