package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/conveyor/errors"
)

// Typed errors a job handler may return from Execute. The scheduling loop
// classifies them into terminal states and retry bookkeeping; anything not
// listed here is treated as permanent.

// AbortError reports that execution observed the cancellation signal.
// Terminal: the job fails and is not retried.
type AbortError struct {
	Reason string
}

// NewAbortError creates an AbortError with a human-readable reason.
func NewAbortError(reason string) *AbortError {
	if reason == "" {
		reason = "job aborted"
	}
	return &AbortError{Reason: reason}
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("job aborted: %s", e.Reason)
}

// RetryableError reports a transient fault. The job re-queues with
// RunAfter=RetryAt until its retry budget is exhausted.
type RetryableError struct {
	RetryAt time.Time
	Err     error
}

// Retryable wraps a transient error with the time the job may run again.
func Retryable(err error, retryAt time.Time) *RetryableError {
	return &RetryableError{RetryAt: retryAt, Err: err}
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError reports a non-transient domain failure. Terminal, no retry.
type PermanentError struct {
	Err error
}

// Permanent wraps a domain error that retrying cannot fix.
func Permanent(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Error kinds carried on job_error events.
const (
	ErrorKindAbort     = "abort_signal"
	ErrorKindRetryable = "retryable"
	ErrorKindPermanent = "permanent"
)

// ErrorKind classifies an execution error for event payloads.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return ErrorKindAbort
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return ErrorKindRetryable
	}
	return ErrorKindPermanent
}

// IsAbortError checks whether err is or wraps an AbortError.
func IsAbortError(err error) bool {
	var abort *AbortError
	return errors.As(err, &abort)
}

// coerceAbort maps context cancellation onto AbortError so handlers that
// surface ctx.Err() directly still classify as aborted. The abort registry
// attaches an AbortError as the cancellation cause; deadline expiry gets a
// synthesized one.
func coerceAbort(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if IsAbortError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cause := context.Cause(ctx); cause != nil {
			var abort *AbortError
			if errors.As(cause, &abort) {
				return abort
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return NewAbortError("deadline exceeded")
		}
		return NewAbortError("cancellation signal observed")
	}
	return err
}
