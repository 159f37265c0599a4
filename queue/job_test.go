package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conveyor/errors"
)

func TestNewJobDefaults(t *testing.T) {
	job, err := NewJob("task1", json.RawMessage(`{"data":"input1"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.NotEmpty(t, job.Fingerprint)
	assert.False(t, job.RunAfter.IsZero())
	assert.False(t, job.CreatedAt.IsZero())
}

func TestNewJobRequiresTaskType(t *testing.T) {
	_, err := NewJob("", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []string{"pending", "processing", "aborting", "completed", "failed", "skipped"} {
		assert.True(t, IsValidStatus(s), s)
	}
	assert.False(t, IsValidStatus("queued"))
	assert.False(t, IsValidStatus(""))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusSkipped.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.False(t, JobStatusAborting.Terminal())
}

func TestNormalizeFillsIdentity(t *testing.T) {
	job := &Job{TaskType: "task1", Input: json.RawMessage(`{"data":"x"}`)}
	require.NoError(t, job.normalize("local_hf", 2))

	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.JobRunID)
	assert.Equal(t, "local_hf", job.QueueName)
	assert.Equal(t, 2, job.MaxRetries)
	assert.Equal(t, JobStatusPending, job.Status)

	wantFp, err := Fingerprint(job.Input)
	require.NoError(t, err)
	assert.Equal(t, wantFp, job.Fingerprint)
}

func TestNormalizeKeepsExplicitIdentity(t *testing.T) {
	job := &Job{ID: "J1", JobRunID: "r1", TaskType: "task1", MaxRetries: 5}
	require.NoError(t, job.normalize("local_hf", 2))

	assert.Equal(t, "J1", job.ID)
	assert.Equal(t, "r1", job.JobRunID)
	assert.Equal(t, 5, job.MaxRetries)
}

// resolve implements the outcome classification table.
func TestResolveClassification(t *testing.T) {
	now := time.Now()

	t.Run("success completes", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing, MaxRetries: 2}
		outcome := job.resolve(json.RawMessage(`{"result":"ok"}`), nil, now)
		assert.Equal(t, OutcomeCompleted, outcome)
		assert.Equal(t, JobStatusCompleted, job.Status)
	})

	t.Run("success while aborting still completes", func(t *testing.T) {
		job := &Job{Status: JobStatusAborting, MaxRetries: 2}
		outcome := job.resolve(json.RawMessage(`{"result":"ok"}`), nil, now)
		assert.Equal(t, OutcomeCompleted, outcome)
		assert.Equal(t, JobStatusCompleted, job.Status)
	})

	t.Run("abort fails without retry", func(t *testing.T) {
		job := &Job{Status: JobStatusAborting, MaxRetries: 2}
		outcome := job.resolve(nil, NewAbortError("signal observed"), now)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.Equal(t, JobStatusFailed, job.Status)
		assert.Equal(t, 0, job.Retries)
	})

	t.Run("retryable under budget re-queues", func(t *testing.T) {
		retryAt := now.Add(time.Minute)
		job := &Job{Status: JobStatusProcessing, MaxRetries: 2}
		outcome := job.resolve(nil, Retryable(errors.New("transient"), retryAt), now)
		assert.Equal(t, OutcomeRetry, outcome)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Equal(t, 1, job.Retries)
		assert.Equal(t, retryAt, job.RunAfter)
	})

	t.Run("retryable crossing budget fails", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing, Retries: 1, MaxRetries: 2}
		outcome := job.resolve(nil, Retryable(errors.New("transient"), now), now)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.Equal(t, JobStatusFailed, job.Status)
		assert.LessOrEqual(t, job.Retries, job.MaxRetries)
	})

	t.Run("permanent fails", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing, MaxRetries: 2}
		outcome := job.resolve(nil, Permanent(errors.New("bad input")), now)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.Equal(t, JobStatusFailed, job.Status)
	})

	t.Run("unclassified fails", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing, MaxRetries: 2}
		outcome := job.resolve(nil, errors.New("panic adjacent"), now)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.Equal(t, JobStatusFailed, job.Status)
		assert.Equal(t, 0, job.Retries)
	})
}
