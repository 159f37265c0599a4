package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/conveyor/errors"
)

// transformHandler mimics a model invocation: it reads the data field and
// replaces "input" with "output" in the result.
func transformHandler(taskType string) Handler {
	return HandlerFunc{
		Type: taskType,
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			var input struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal(job.Input, &input); err != nil {
				return nil, Permanent(err)
			}
			result := map[string]string{"result": strings.ReplaceAll(input.Data, "input", "output")}
			return json.Marshal(result)
		},
	}
}

// blockingHandler never returns until the cancellation signal fires.
func blockingHandler(taskType string) Handler {
	return HandlerFunc{
		Type: taskType,
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func newTestQueue(t *testing.T, cfg Config, handlers ...Handler) *JobQueue {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "local_hf"
	}
	if cfg.WaitDuration == 0 {
		cfg.WaitDuration = 5 * time.Millisecond
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	registry := NewHandlerRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}

	q := NewJobQueue(cfg, NewMemoryStore(), nil, registry, zap.NewNop().Sugar())
	t.Cleanup(q.Close)
	return q
}

func addJob(t *testing.T, q *JobQueue, taskType, input string) *Job {
	t.Helper()
	job, err := NewJob(taskType, json.RawMessage(input))
	require.NoError(t, err)
	_, err = q.Add(job)
	require.NoError(t, err)
	return job
}

func jobStatus(t *testing.T, q *JobQueue, id string) JobStatus {
	t.Helper()
	job, err := q.Store().Get(id)
	require.NoError(t, err)
	return job.Status
}

// Adding a job assigns identity and leaves it pending.
func TestQueueAddAssignsIdentity(t *testing.T) {
	q := newTestQueue(t, DefaultConfig("local_hf"))

	job := &Job{TaskType: "task1", Input: json.RawMessage(`{"data":"input1"}`)}
	id, err := q.Add(job)
	require.NoError(t, err)

	assert.NotEmpty(t, id)
	assert.NotEmpty(t, job.JobRunID)
	assert.Equal(t, "local_hf", job.QueueName)
	assert.Equal(t, JobStatusPending, job.Status)

	wantFp, err := Fingerprint(json.RawMessage(`{"data":"input1"}`))
	require.NoError(t, err)
	assert.Equal(t, wantFp, job.Fingerprint)

	size, err := q.Store().Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

// Drain: four jobs across two task types all complete, and outputs come from
// the handler transformation.
func TestQueueDrain(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2},
		transformHandler("task1"), transformHandler("task2"))

	j1 := addJob(t, q, "task1", `{"data":"input1"}`)
	j2 := addJob(t, q, "task2", `{"data":"input2"}`)
	j3 := addJob(t, q, "task1", `{"data":"input3"}`)
	j4 := addJob(t, q, "task2", `{"data":"input2"}`)

	q.Start()
	defer q.Stop()

	for _, j := range []*Job{j1, j2, j3, j4} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		output, err := q.WaitFor(ctx, j.ID)
		cancel()
		require.NoError(t, err, "job %s", j.ID)
		require.NotNil(t, output)
	}

	last, err := q.Store().Get(j4.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, last.Status)
	assert.JSONEq(t, `{"result":"output2"}`, string(last.Output))
}

// Rate limit: with 4 starts per second, six fast jobs leave at least one
// pending while the window is saturated.
func TestQueueRateLimit(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 6, MaxStarts: 4, Window: time.Second},
		transformHandler("task1"))

	var jobs []*Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, addJob(t, q, "task1", `{"data":"input`+string(rune('1'+i))+`"}`))
	}

	q.Start()
	defer q.Stop()

	// Wait for the first window's worth of jobs to finish
	require.Eventually(t, func() bool {
		stats, err := q.Stats()
		return err == nil && stats.Completed >= 4
	}, 2*time.Second, 5*time.Millisecond)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Pending, 1, "expected the rate envelope to hold jobs back")
}

// Abort in-flight: the handle fires, the job fails with the abort kind, and
// a job_aborting event is observed.
func TestQueueAbortInFlight(t *testing.T) {
	q := newTestQueue(t, Config{}, blockingHandler("task1"))

	var aborting atomic.Int32
	q.On(EventJobAborting, func(e Event) {
		aborting.Add(1)
	})

	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return jobStatus(t, q, job.ID) == JobStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Abort(job.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsAbortError(err), "expected abort classification, got %v", err)

	assert.Equal(t, JobStatusFailed, jobStatus(t, q, job.ID))
	require.Eventually(t, func() bool {
		return aborting.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

// Abort by run: only the targeted run's jobs fail; the other run keeps
// processing.
func TestQueueAbortJobRun(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 4}, blockingHandler("task1"))

	makeRunJob := func(runID, data string) *Job {
		job, err := NewJob("task1", json.RawMessage(`{"data":"`+data+`"}`))
		require.NoError(t, err)
		job.JobRunID = runID
		_, err = q.Add(job)
		require.NoError(t, err)
		return job
	}

	j1 := makeRunJob("r1", "a")
	j2 := makeRunJob("r1", "b")
	j3 := makeRunJob("r2", "c")
	j4 := makeRunJob("r2", "d")

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		processing, err := q.Store().Processing()
		return err == nil && len(processing) == 4
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.AbortJobRun("r1"))

	require.Eventually(t, func() bool {
		return jobStatus(t, q, j1.ID) == JobStatusFailed && jobStatus(t, q, j2.ID) == JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, JobStatusProcessing, jobStatus(t, q, j3.ID))
	assert.Equal(t, JobStatusProcessing, jobStatus(t, q, j4.ID))
}

// A pending job aborted by run fails without ever starting.
func TestQueueAbortJobRunPendingJobs(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1}, blockingHandler("task1"))

	first, err := NewJob("task1", json.RawMessage(`{"data":"running"}`))
	require.NoError(t, err)
	first.JobRunID = "r1"
	_, err = q.Add(first)
	require.NoError(t, err)

	second, err := NewJob("task1", json.RawMessage(`{"data":"queued"}`))
	require.NoError(t, err)
	second.JobRunID = "r1"
	_, err = q.Add(second)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return jobStatus(t, q, first.ID) == JobStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.AbortJobRun("r1"))

	require.Eventually(t, func() bool {
		return jobStatus(t, q, first.ID) == JobStatusFailed &&
			jobStatus(t, q, second.ID) == JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
}

// Retry policy: a transient failure re-queues with backoff, then succeeds.
func TestQueueRetryThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	flaky := HandlerFunc{
		Type: "task1",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			if attempts.Add(1) == 1 {
				return nil, Retryable(errors.New("model cold start"), time.Now())
			}
			return json.RawMessage(`{"result":"warm"}`), nil
		},
	}

	q := newTestQueue(t, Config{MaxRetries: 3}, flaky)

	var retries atomic.Int32
	q.On(EventJobRetry, func(e Event) {
		retries.Add(1)
	})

	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	output, err := q.WaitFor(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"warm"}`, string(output))

	final, err := q.Store().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Retries)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(1), retries.Load())
}

// A transient failure past the retry budget is terminal.
func TestQueueRetryBudgetExhausted(t *testing.T) {
	alwaysFlaky := HandlerFunc{
		Type: "task1",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			return nil, Retryable(errors.New("model never warms"), time.Now())
		},
	}

	q := newTestQueue(t, Config{MaxRetries: 2}, alwaysFlaky)
	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, job.ID)
	require.Error(t, err)

	final, err := q.Store().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, final.Status)
	assert.LessOrEqual(t, final.Retries, final.MaxRetries)
}

// Permanent and unclassified errors are terminal without retry.
func TestQueueTerminalErrors(t *testing.T) {
	cases := map[string]struct {
		err      error
		wantKind string
	}{
		"permanent":    {err: Permanent(errors.New("unsupported model")), wantKind: ErrorKindPermanent},
		"unclassified": {err: errors.New("programming fault"), wantKind: ErrorKindPermanent},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			failing := HandlerFunc{
				Type: "task1",
				Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
					return nil, tc.err
				},
			}

			q := newTestQueue(t, Config{}, failing)

			var kinds []string
			gotKind := make(chan string, 1)
			q.On(EventJobError, func(e Event) {
				kinds = append(kinds, e.ErrorKind)
				select {
				case gotKind <- e.ErrorKind:
				default:
				}
			})

			job := addJob(t, q, "task1", `{"data":"input1"}`)
			q.Start()
			defer q.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := q.WaitFor(ctx, job.ID)
			require.Error(t, err)

			final, err := q.Store().Get(job.ID)
			require.NoError(t, err)
			assert.Equal(t, JobStatusFailed, final.Status)
			assert.Equal(t, 0, final.Retries)

			select {
			case kind := <-gotKind:
				assert.Equal(t, tc.wantKind, kind)
			case <-time.After(time.Second):
				t.Fatal("no job_error event observed")
			}
		})
	}
}

// Memoization: an identical completed input satisfies the next job without
// re-executing the handler.
func TestQueueMemoizeSkips(t *testing.T) {
	var executions atomic.Int32
	counting := HandlerFunc{
		Type: "task1",
		Fn: func(ctx context.Context, job *Job) (json.RawMessage, error) {
			executions.Add(1)
			return json.RawMessage(`{"result":"computed"}`), nil
		},
	}

	q := newTestQueue(t, Config{Memoize: true}, counting)

	var skipped atomic.Int32
	q.On(EventJobSkipped, func(e Event) {
		skipped.Add(1)
	})

	first := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, first.ID)
	require.NoError(t, err)

	// Same input again: the handler must not run a second time
	second := addJob(t, q, "task1", `{ "data" : "input1" }`)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	output, err := q.WaitFor(ctx2, second.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"computed"}`, string(output))

	assert.Equal(t, JobStatusSkipped, jobStatus(t, q, second.ID))
	assert.Equal(t, int32(1), executions.Load())
	require.Eventually(t, func() bool {
		return skipped.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

// A job whose task type has no registered handler fails cleanly.
func TestQueueNoHandlerFails(t *testing.T) {
	q := newTestQueue(t, Config{})

	job := addJob(t, q, "unregistered.task", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
	assert.Equal(t, JobStatusFailed, jobStatus(t, q, job.ID))
}

// Deadline: an expired deadline takes the same path as an abort.
func TestQueueDeadline(t *testing.T) {
	q := newTestQueue(t, Config{}, blockingHandler("task1"))

	job, err := NewJob("task1", json.RawMessage(`{"data":"input1"}`))
	require.NoError(t, err)
	deadline := time.Now().Add(50 * time.Millisecond)
	job.DeadlineAt = &deadline
	_, err = q.Add(job)
	require.NoError(t, err)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.WaitFor(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, IsAbortError(err), "expected abort classification, got %v", err)
	assert.Equal(t, JobStatusFailed, jobStatus(t, q, job.ID))
}

// Stop re-queues in-flight jobs that observed the shutdown signal.
func TestQueueStopRequeuesInFlight(t *testing.T) {
	q := newTestQueue(t, Config{}, blockingHandler("task1"))

	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	require.Eventually(t, func() bool {
		return jobStatus(t, q, job.ID) == JobStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	q.Stop()

	assert.Equal(t, JobStatusPending, jobStatus(t, q, job.ID))
}

// Start and Stop are idempotent, and a stopped queue restarts.
func TestQueueStartStopIdempotent(t *testing.T) {
	q := newTestQueue(t, Config{}, transformHandler("task1"))

	q.Start()
	q.Start()
	q.Stop()
	q.Stop()

	// Restart picks up jobs added while stopped
	job := addJob(t, q, "task1", `{"data":"input1"}`)
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	output, err := q.WaitFor(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"output1"}`, string(output))
}

// Orphaned processing jobs from a crashed run re-queue on Start.
func TestQueueOrphanRecovery(t *testing.T) {
	store := NewMemoryStore()

	// Simulate a crash: a prior owner claimed the job and died
	orphan, err := NewJob("task1", json.RawMessage(`{"data":"input1"}`))
	require.NoError(t, err)
	orphan.QueueName = "local_hf"
	orphan.MaxRetries = 2
	_, err = store.Add(orphan)
	require.NoError(t, err)
	_, err = store.Next()
	require.NoError(t, err)
	require.Equal(t, JobStatusProcessing, mustGet(t, store, orphan.ID).Status)

	registry := NewHandlerRegistry()
	registry.Register(transformHandler("task1"))
	cfg := DefaultConfig("local_hf")
	cfg.WaitDuration = 5 * time.Millisecond
	q := NewJobQueue(cfg, store, nil, registry, zap.NewNop().Sugar())
	t.Cleanup(q.Close)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	output, err := q.WaitFor(ctx, orphan.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"output1"}`, string(output))
}

func mustGet(t *testing.T, store JobStore, id string) *Job {
	t.Helper()
	job, err := store.Get(id)
	require.NoError(t, err)
	return job
}

// WaitFor on an already-terminal job resolves immediately from the store.
func TestQueueWaitForTerminalJob(t *testing.T) {
	q := newTestQueue(t, Config{}, transformHandler("task1"))

	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err := q.WaitFor(ctx, job.ID)
	cancel()
	require.NoError(t, err)
	q.Stop()

	// Queue stopped; the answer comes straight from the store
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	output, err := q.WaitFor(ctx2, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"output1"}`, string(output))
}

func TestQueueWaitForUnknownJob(t *testing.T) {
	q := newTestQueue(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, "no-such-job")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

// Events for one job arrive in causal order: start before terminal.
func TestQueueEventCausalOrder(t *testing.T) {
	q := newTestQueue(t, Config{}, transformHandler("task1"))

	var c collector
	q.On(EventJobStart, c.handler)
	q.On(EventJobComplete, c.handler)

	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	events := c.snapshot()
	assert.Equal(t, EventJobStart, events[0].Type)
	assert.Equal(t, EventJobComplete, events[1].Type)
	assert.Equal(t, job.ID, events[0].JobID)
}

// Subscriber channels receive job updates without blocking the loop.
func TestQueueSubscribe(t *testing.T) {
	q := newTestQueue(t, Config{}, transformHandler("task1"))

	updates := q.Subscribe()
	defer q.Unsubscribe(updates)

	job := addJob(t, q, "task1", `{"data":"input1"}`)

	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.WaitFor(ctx, job.ID)
	require.NoError(t, err)

	seen := map[JobStatus]bool{}
	deadline := time.After(time.Second)
	for !seen[JobStatusCompleted] {
		select {
		case update := <-updates:
			seen[update.Status] = true
		case <-deadline:
			t.Fatalf("never saw a completed update; saw %v", seen)
		}
	}
}
