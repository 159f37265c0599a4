package logger

import "go.uber.org/zap"

// Standard field names for consistent structured logging across conveyor.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID    = "job_id"
	FieldJobRunID = "job_run_id"
	FieldQueue    = "queue"
	FieldTaskType = "task_type"

	// Components
	FieldComponent = "component"
	FieldBackend   = "backend"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Symbols (see sym package)
	FieldSymbol = "symbol"

	// Counts and timing
	FieldCount      = "count"
	FieldRetries    = "retries"
	FieldDurationMS = "duration_ms"
)

// WithJob returns a logger pre-configured with job identity fields.
func WithJob(log *zap.SugaredLogger, queueName, jobID string) *zap.SugaredLogger {
	return log.With(FieldQueue, queueName, FieldJobID, jobID)
}

// WithQueue returns a logger pre-configured with the queue name.
func WithQueue(log *zap.SugaredLogger, queueName string) *zap.SugaredLogger {
	return log.With(FieldQueue, queueName)
}
