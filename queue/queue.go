package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conveyor/errors"
)

const (
	// DefaultWaitDuration bounds the scheduling loop's polling granularity
	DefaultWaitDuration = 100 * time.Millisecond
	// DefaultMaxRetries is the retry budget for jobs added without one
	DefaultMaxRetries = 2
	// DefaultStopTimeout bounds how long Stop waits for in-flight jobs
	DefaultStopTimeout = 30 * time.Second
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Config holds per-queue scheduling settings.
type Config struct {
	Name          string        `json:"name"`
	WaitDuration  time.Duration `json:"wait_duration"`  // polling granularity (default: 100ms)
	MaxConcurrent int           `json:"max_concurrent"` // in-flight cap (default: 1)
	MaxStarts     int           `json:"max_starts"`     // sliding-window cap; 0 disables
	Window        time.Duration `json:"window"`         // sliding-window length
	MaxRetries    int           `json:"max_retries"`    // default retry budget (default: 2)
	Memoize       bool          `json:"memoize"`        // complete from prior identical results
	StopTimeout   time.Duration `json:"stop_timeout"`   // graceful stop bound (default: 30s)
}

// DefaultConfig returns sensible defaults for a named queue.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		WaitDuration:  DefaultWaitDuration,
		MaxConcurrent: 1,
		Window:        time.Minute,
		MaxRetries:    DefaultMaxRetries,
		StopTimeout:   DefaultStopTimeout,
	}
}

// queueLogger wraps zap.SugaredLogger with lifecycle methods for queue
// operations. Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ opening operations)
// - WARN level → CLOSING (❀ closing operations)
// - INFO level → general loop operations
type queueLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event
func (l queueLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a closing (❀) event
func (l queueLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

type waitResult struct {
	output json.RawMessage
	err    error
}

// JobQueue orchestrates one named queue: a storage backend, a rate limiter,
// a cooperative scheduling loop, abort fan-out, and lifecycle events.
//
// Producers are never blocked by Add; backpressure manifests as growing
// pending size, observable via Stats.
type JobQueue struct {
	cfg      Config
	store    JobStore
	limiter  RateLimiter
	handlers *HandlerRegistry
	aborts   *AbortRegistry
	bus      *EventBus
	log      queueLogger

	parentCtx context.Context // worker context is recreated from this on restart
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool

	subMu       sync.Mutex
	subscribers []chan *Job

	waitMu  sync.Mutex
	waiters map[string][]chan waitResult
}

// NewJobQueue creates a queue over a store. A nil limiter gets a
// ConcurrencyLimiter built from the config; a nil registry gets an empty one
// (callers must register handlers before Start).
func NewJobQueue(cfg Config, store JobStore, limiter RateLimiter, handlers *HandlerRegistry, logger *zap.SugaredLogger) *JobQueue {
	return NewJobQueueWithContext(context.Background(), cfg, store, limiter, handlers, logger)
}

// NewJobQueueWithContext creates a queue whose lifecycle is bounded by a
// parent context. Cancelling the parent stops the loop and in-flight jobs.
func NewJobQueueWithContext(parent context.Context, cfg Config, store JobStore, limiter RateLimiter, handlers *HandlerRegistry, logger *zap.SugaredLogger) *JobQueue {
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = DefaultWaitDuration
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if limiter == nil {
		limiter = NewConcurrencyLimiter(cfg.MaxConcurrent, cfg.MaxStarts, cfg.Window)
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(parent)
	return &JobQueue{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		handlers:  handlers,
		aborts:    NewAbortRegistry(),
		bus:       NewEventBus(),
		log:       queueLogger{logger.Named("queue").With("queue", cfg.Name)},
		parentCtx: parent,
		ctx:       ctx,
		cancel:    cancel,
		waiters:   make(map[string][]chan waitResult),
	}
}

// Name returns the queue's logical name.
func (q *JobQueue) Name() string { return q.cfg.Name }

// Store returns the queue's backing store.
func (q *JobQueue) Store() JobStore { return q.store }

// Registry returns the handler registry for registering task handlers.
// Register before calling Start():
//
//	q := queue.NewJobQueue(cfg, store, nil, nil, log)
//	q.Registry().Register(myHandler)
//	q.Start()
func (q *JobQueue) Registry() *HandlerRegistry { return q.handlers }

// On subscribes a handler to a lifecycle event.
func (q *JobQueue) On(eventType EventType, handler EventHandler) {
	q.bus.On(eventType, handler)
}

// Add assigns identity to a job, writes it through the store, and emits
// job_added. Never blocks on queue capacity.
func (q *JobQueue) Add(job *Job) (string, error) {
	if err := job.normalize(q.cfg.Name, q.cfg.MaxRetries); err != nil {
		return "", err
	}

	id, err := q.store.Add(job)
	if err != nil {
		err = errors.Wrap(err, "failed to add job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		err = errors.WithDetailf(err, "Task type: %s", job.TaskType)
		return "", err
	}

	q.bus.Emit(Event{Type: EventJobAdded, QueueName: q.cfg.Name, JobID: id})
	q.notifySubscribers(job)
	return id, nil
}

// Start launches the scheduling loop. Idempotent.
// ✿ Opening: orphaned jobs from a previous crash are re-queued first.
func (q *JobQueue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}

	// Recreate the worker context if a previous Stop cancelled it
	select {
	case <-q.ctx.Done():
		q.ctx, q.cancel = context.WithCancel(q.parentCtx)
		q.log.Starting("Recreated queue context after previous shutdown")
	default:
	}
	q.running = true
	q.mu.Unlock()

	if recovered, err := q.recoverOrphanedJobs(); err != nil {
		q.log.Warnw("Failed to recover orphaned jobs", "error", err)
	} else if recovered > 0 {
		q.log.Starting("Recovered orphaned jobs from previous run", "count", recovered)
	}

	q.bus.Emit(Event{Type: EventQueueStart, QueueName: q.cfg.Name})

	q.wg.Add(1)
	go q.loop()
}

// recoverOrphanedJobs finds jobs stuck in processing or aborting from an
// ungraceful shutdown (crash, kill -9, power loss) and re-queues them.
func (q *JobQueue) recoverOrphanedJobs() (int, error) {
	recovered := 0
	for _, list := range []func() ([]*Job, error){q.store.Processing, q.store.Aborting} {
		jobs, err := list()
		if err != nil {
			return recovered, errors.Wrap(err, "failed to list orphaned jobs")
		}
		for _, job := range jobs {
			// A live abort handle means the job is ours, not an orphan
			if q.aborts.Has(job.ID) {
				continue
			}
			if err := q.store.Requeue(job.ID); err != nil {
				q.log.Warnw("Failed to requeue orphaned job", "job_id", job.ID, "error", err)
				continue
			}
			recovered++
		}
	}
	return recovered, nil
}

// Stop signals the loop to exit and waits for in-flight jobs to observe
// cancellation or complete. Idempotent.
// ❀ Closing: in-flight jobs that observe the signal are re-queued, not failed.
func (q *JobQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Closing("Queue stopped, all workers exited cleanly")
	case <-time.After(q.cfg.StopTimeout):
		q.log.Closing("Queue stop timeout, jobs may still be finishing", "timeout", q.cfg.StopTimeout)
	}

	q.bus.Emit(Event{Type: EventQueueStop, QueueName: q.cfg.Name})
}

// Close stops the queue and shuts down its event bus. The queue cannot be
// restarted afterwards.
func (q *JobQueue) Close() {
	q.Stop()
	q.wg.Wait()
	q.bus.Close()
}

// loop is the cooperative scheduling loop: one per queue.
func (q *JobQueue) loop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		ok, err := q.limiter.CanProceed()
		if err != nil {
			q.log.Errorw("Rate limiter check failed", "error", err)
			q.sleep(q.cfg.WaitDuration)
			continue
		}
		if !ok {
			next, err := q.limiter.NextAvailableTime()
			if err != nil {
				q.log.Errorw("Rate limiter next-available failed", "error", err)
				next = time.Time{}
			}
			q.sleepUntil(next)
			continue
		}

		job, err := q.store.Next()
		if err != nil {
			// Store errors never unwind the loop; back off and retry
			q.log.Errorw("Failed to claim next job", "error", err)
			q.sleep(q.cfg.WaitDuration)
			continue
		}
		if job == nil {
			q.sleep(q.cfg.WaitDuration)
			continue
		}

		q.startExecution(job)
	}
}

// sleep blocks for d or until the queue stops.
func (q *JobQueue) sleep(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	select {
	case <-q.ctx.Done():
	case <-time.After(d):
	}
}

// sleepUntil blocks until next or for the polling granularity, whichever
// comes sooner. A zero next means "poll again".
func (q *JobQueue) sleepUntil(next time.Time) {
	d := q.cfg.WaitDuration
	if !next.IsZero() {
		if until := time.Until(next); until < d {
			d = until
		}
	}
	q.sleep(d)
}

// startExecution runs a claimed job on its own goroutine with an abort
// signal and a deadline derived from the job's DeadlineAt.
func (q *JobQueue) startExecution(job *Job) {
	handler := q.handlers.Get(job.TaskType)
	if handler == nil {
		q.finish(job.ID, nil, Permanent(errors.Newf("no handler registered for task type: %s", job.TaskType)))
		return
	}

	// Memoization: an identical completed input satisfies this job without
	// executing it. Checked after claim so the skip is a real transition.
	if q.cfg.Memoize {
		cached, err := q.store.OutputForInput(job.TaskType, job.Input)
		if err != nil {
			q.log.Warnw("Memoization lookup failed", "job_id", job.ID, "error", err)
		} else if cached != nil {
			skipped, err := q.store.Skip(job.ID, cached)
			if err != nil {
				q.log.Errorw("Failed to skip memoized job", "job_id", job.ID, "error", err)
				return
			}
			q.bus.Emit(Event{
				Type:      EventJobSkipped,
				QueueName: q.cfg.Name,
				JobID:     job.ID,
				Status:    skipped.Status,
				Output:    cached,
			})
			q.resolveWaiters(job.ID, cached, nil)
			q.notifySubscribers(skipped)
			return
		}
	}

	if err := q.limiter.RecordJobStart(); err != nil {
		q.log.Errorw("Failed to record job start", "job_id", job.ID, "error", err)
	}

	execCtx, err := q.aborts.Register(q.ctx, job.ID)
	if err != nil {
		// A stale handle means bookkeeping drifted; fail loudly rather than
		// risking a double execution
		q.limiter.RecordJobCompletion()
		q.finish(job.ID, nil, Permanent(err))
		return
	}

	var cancelDeadline context.CancelFunc
	if job.DeadlineAt != nil {
		execCtx, cancelDeadline = context.WithDeadlineCause(execCtx, *job.DeadlineAt, NewAbortError("deadline exceeded"))
	}

	q.bus.Emit(Event{Type: EventJobStart, QueueName: q.cfg.Name, JobID: job.ID})
	q.notifySubscribers(job)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if cancelDeadline != nil {
			defer cancelDeadline()
		}

		output, execErr := handler.Execute(execCtx, job)
		execErr = coerceAbort(execCtx, execErr)

		q.aborts.Drop(job.ID)
		q.limiter.RecordJobCompletion()

		// ❀ Closing: a job interrupted by queue shutdown (not an explicit
		// abort) re-queues instead of failing
		if IsAbortError(execErr) && q.ctx.Err() != nil {
			if stored, err := q.store.Get(job.ID); err == nil && stored.Status == JobStatusProcessing {
				if err := q.store.Requeue(job.ID); err != nil {
					q.log.Errorw("Failed to re-queue job on shutdown", "job_id", job.ID, "error", err)
				} else {
					q.log.Closing("Job interrupted by shutdown, re-queued", "job_id", job.ID)
				}
				return
			}
		}

		q.finish(job.ID, output, execErr)
	}()
}

// finish classifies the outcome, updates the store, and publishes events.
func (q *JobQueue) finish(id string, output json.RawMessage, execErr error) {
	updated, outcome, err := q.store.Complete(id, output, execErr)
	if err != nil {
		// No silent state transitions: surface through the waiters and log
		q.log.Errorw("Failed to persist job outcome", "job_id", id, "error", err)
		q.resolveWaiters(id, nil, err)
		return
	}

	switch outcome {
	case OutcomeCompleted:
		q.bus.Emit(Event{
			Type:      EventJobComplete,
			QueueName: q.cfg.Name,
			JobID:     id,
			Status:    updated.Status,
			Output:    updated.Output,
		})
		q.resolveWaiters(id, updated.Output, nil)

	case OutcomeRetry:
		q.bus.Emit(Event{
			Type:      EventJobRetry,
			QueueName: q.cfg.Name,
			JobID:     id,
			Retries:   updated.Retries,
			Error:     updated.Error,
		})

	case OutcomeFailed:
		q.bus.Emit(Event{
			Type:      EventJobError,
			QueueName: q.cfg.Name,
			JobID:     id,
			Status:    updated.Status,
			ErrorKind: ErrorKind(execErr),
			Error:     updated.Error,
		})
		if execErr == nil {
			execErr = errors.New(updated.Error)
		}
		q.resolveWaiters(id, nil, execErr)
	}

	q.notifySubscribers(updated)
}

// Abort cancels a job. A processing job transitions to aborting and its
// local cancellation handle fires; a pending job fails immediately. Emits
// job_aborting either way.
func (q *JobQueue) Abort(id string) error {
	job, err := q.store.Get(id)
	if err != nil {
		return err
	}

	switch job.Status {
	case JobStatusPending:
		q.bus.Emit(Event{Type: EventJobAborting, QueueName: q.cfg.Name, JobID: id, ErrorKind: ErrorKindAbort})
		q.finish(id, nil, NewAbortError("aborted before start"))
		return nil

	case JobStatusProcessing:
		updated, err := q.store.Abort(id)
		if err != nil {
			return err
		}
		q.bus.Emit(Event{Type: EventJobAborting, QueueName: q.cfg.Name, JobID: id, ErrorKind: ErrorKindAbort})
		q.notifySubscribers(updated)
		q.aborts.Cancel(id, "abort requested")
		return nil

	case JobStatusAborting:
		// Abort already in flight; re-fire the local handle if present
		q.aborts.Cancel(id, "abort requested")
		return nil

	default:
		// Terminal states are left as-is
		return nil
	}
}

// AbortJobRun aborts every pending or processing job sharing a jobRunId.
func (q *JobQueue) AbortJobRun(runID string) error {
	jobs, err := q.store.JobsByRunID(runID)
	if err != nil {
		return errors.Wrapf(err, "failed to list jobs for run %s", runID)
	}

	var firstErr error
	for _, job := range jobs {
		if job.Status != JobStatusPending && job.Status != JobStatusProcessing {
			continue
		}
		if err := q.Abort(job.ID); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to abort job %s", job.ID)
		}
	}
	return firstErr
}

// WaitFor blocks until the job reaches a terminal state, returning its
// output on success. Fails with the classified execution error on failure
// and with ctx.Err() if the caller gives up first. For a job that had already
// failed when WaitFor was called, the error is rebuilt from the stored
// message: an abort still classifies as an AbortError, and any other failure
// carries only the message.
func (q *JobQueue) WaitFor(ctx context.Context, id string) (json.RawMessage, error) {
	ch := make(chan waitResult, 1)

	q.waitMu.Lock()
	q.waiters[id] = append(q.waiters[id], ch)
	q.waitMu.Unlock()

	// The job may already be terminal; check after registering so a
	// concurrent transition cannot slip between the check and the wait.
	if job, err := q.store.Get(id); err != nil {
		q.dropWaiter(id, ch)
		return nil, err
	} else if job.Status.Terminal() {
		q.dropWaiter(id, ch)
		switch job.Status {
		case JobStatusCompleted, JobStatusSkipped:
			return job.Output, nil
		default:
			if reason, ok := strings.CutPrefix(job.Error, "job aborted: "); ok {
				return nil, errors.Wrapf(NewAbortError(reason), "job %s failed", id)
			}
			return nil, errors.Newf("job %s failed: %s", id, job.Error)
		}
	}

	select {
	case res := <-ch:
		return res.output, res.err
	case <-ctx.Done():
		q.dropWaiter(id, ch)
		return nil, ctx.Err()
	}
}

func (q *JobQueue) resolveWaiters(id string, output json.RawMessage, err error) {
	q.waitMu.Lock()
	waiting := q.waiters[id]
	delete(q.waiters, id)
	q.waitMu.Unlock()

	for _, ch := range waiting {
		ch <- waitResult{output: output, err: err}
	}
}

func (q *JobQueue) dropWaiter(id string, ch chan waitResult) {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()

	waiting := q.waiters[id]
	for i, w := range waiting {
		if w == ch {
			q.waiters[id] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(q.waiters[id]) == 0 {
		delete(q.waiters, id)
	}
}

// Stats returns the store's per-status counts.
func (q *JobQueue) Stats() (*Stats, error) {
	return q.store.Stats()
}

// Subscribe returns a buffered channel of job updates. The caller must
// Unsubscribe when done; the channel is never closed by the queue.
func (q *JobQueue) Subscribe() chan *Job {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed -
// callers own its lifecycle, which prevents double-close panics.
func (q *JobQueue) Unsubscribe(ch chan *Job) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// Uses non-blocking sends to avoid stalling on a slow subscriber.
func (q *JobQueue) notifySubscribers(job *Job) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
