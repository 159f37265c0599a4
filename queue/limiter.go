package queue

import (
	"sync"
	"time"

	"github.com/teranos/conveyor/errors"
)

// RateLimiter decides when the next job may start and records executions.
//
// The scheduling loop never surfaces limiter rejections to jobs: it sleeps
// until NextAvailableTime and asks again. ConcurrencyLimiter also offers
// Allow, a hard answer that fails with errors.ErrRateLimited; Allow is not
// part of this interface and StoredRateLimiter does not have it.
type RateLimiter interface {
	// CanProceed reports whether a job may start now.
	CanProceed() (bool, error)

	// NextAvailableTime returns the earliest time a start could be
	// permitted. A zero time means "unknown, poll again" (e.g. waiting on
	// a concurrency token that frees when a job completes).
	NextAvailableTime() (time.Time, error)

	// RecordJobStart accounts a job start.
	RecordJobStart() error

	// RecordJobCompletion returns any resource held for the job.
	RecordJobCompletion()

	// Clear resets the limiter's accounting.
	Clear() error
}

// ConcurrencyLimiter is a token bucket of size maxConcurrent, decremented on
// start and restored on completion, combined with a sliding-window cap of
// maxStarts per window. maxStarts 0 disables the window check.
type ConcurrencyLimiter struct {
	maxConcurrent int
	maxStarts     int
	window        time.Duration

	mu         sync.Mutex
	inFlight   int
	startTimes []time.Time
	timeNow    func() time.Time // Injectable for testing
}

// NewConcurrencyLimiter creates a limiter with real time.
func NewConcurrencyLimiter(maxConcurrent, maxStarts int, window time.Duration) *ConcurrencyLimiter {
	return NewConcurrencyLimiterWithClock(maxConcurrent, maxStarts, window, time.Now)
}

// NewConcurrencyLimiterWithClock creates a limiter with an injectable clock (for testing).
func NewConcurrencyLimiterWithClock(maxConcurrent, maxStarts int, window time.Duration, timeNow func() time.Time) *ConcurrencyLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &ConcurrencyLimiter{
		maxConcurrent: maxConcurrent,
		maxStarts:     maxStarts,
		window:        window,
		startTimes:    make([]time.Time, 0, maxStarts),
		timeNow:       timeNow,
	}
}

// CanProceed reports whether a token is free and the window has room.
func (l *ConcurrencyLimiter) CanProceed() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.pruneExpired(now)

	if l.inFlight >= l.maxConcurrent {
		return false, nil
	}
	if l.maxStarts > 0 && len(l.startTimes) >= l.maxStarts {
		return false, nil
	}
	return true, nil
}

// Allow is the opt-in hard variant: it fails with errors.ErrRateLimited
// instead of asking the caller to wait.
func (l *ConcurrencyLimiter) Allow() error {
	ok, err := l.CanProceed()
	if err != nil {
		return err
	}
	if !ok {
		l.mu.Lock()
		inWindow := len(l.startTimes)
		inFlight := l.inFlight
		l.mu.Unlock()
		err := errors.Wrapf(errors.ErrRateLimited, "%d in flight, %d starts in window", inFlight, inWindow)
		return errors.WithDetailf(err, "max concurrent: %d, max starts: %d per %s", l.maxConcurrent, l.maxStarts, l.window)
	}
	return nil
}

// NextAvailableTime returns when the sliding window frees a slot. When only
// the concurrency cap blocks, the answer is a zero time: tokens free on job
// completion, not on the clock.
func (l *ConcurrencyLimiter) NextAvailableTime() (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.pruneExpired(now)

	if l.maxStarts > 0 && len(l.startTimes) >= l.maxStarts {
		oldest := l.startTimes[len(l.startTimes)-l.maxStarts]
		return oldest.Add(l.window), nil
	}
	return time.Time{}, nil
}

// RecordJobStart takes a token and stamps the window ledger.
func (l *ConcurrencyLimiter) RecordJobStart() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.pruneExpired(now)
	l.inFlight++
	if l.maxStarts > 0 {
		l.startTimes = append(l.startTimes, now)
	}
	return nil
}

// RecordJobCompletion restores the token taken at start.
func (l *ConcurrencyLimiter) RecordJobCompletion() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Clear resets the window ledger and in-flight accounting.
func (l *ConcurrencyLimiter) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inFlight = 0
	l.startTimes = l.startTimes[:0]
	return nil
}

// Stats returns current limiter statistics.
func (l *ConcurrencyLimiter) Stats() (inFlight int, startsInWindow int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneExpired(l.timeNow())
	return l.inFlight, len(l.startTimes)
}

// pruneExpired removes start timestamps outside the sliding window.
// Must be called with lock held.
func (l *ConcurrencyLimiter) pruneExpired(now time.Time) {
	if l.maxStarts <= 0 {
		return
	}
	cutoff := now.Add(-l.window)

	// Timestamps are ordered; count expired from the front
	expired := 0
	for _, started := range l.startTimes {
		if !started.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	l.startTimes = l.startTimes[expired:]
}

// RateLimitStore persists the rate-limiter ledger so the envelope survives
// restart. Backed by the job_queue_rate_limit table on SQL backends and by
// rate/<queue>/<ts> keys on Badger.
type RateLimitStore interface {
	RecordStart(queueName string, at time.Time) error
	// StartsSince returns recorded starts at or after since, ascending.
	StartsSince(queueName string, since time.Time) ([]time.Time, error)
	PruneBefore(queueName string, cutoff time.Time) error
	Clear(queueName string) error
}

// StoredRateLimiter enforces a sliding-window cap whose accounting persists
// in a RateLimitStore. Concurrency tokens stay in memory (in-flight state is
// meaningless across restarts); only the start ledger is durable.
type StoredRateLimiter struct {
	queueName     string
	maxConcurrent int
	maxStarts     int
	window        time.Duration
	store         RateLimitStore

	mu       sync.Mutex
	inFlight int
	timeNow  func() time.Time
}

// NewStoredRateLimiter creates a persisted limiter for a queue.
func NewStoredRateLimiter(queueName string, maxConcurrent, maxStarts int, window time.Duration, store RateLimitStore) *StoredRateLimiter {
	return NewStoredRateLimiterWithClock(queueName, maxConcurrent, maxStarts, window, store, time.Now)
}

// NewStoredRateLimiterWithClock creates a persisted limiter with an injectable clock.
func NewStoredRateLimiterWithClock(queueName string, maxConcurrent, maxStarts int, window time.Duration, store RateLimitStore, timeNow func() time.Time) *StoredRateLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &StoredRateLimiter{
		queueName:     queueName,
		maxConcurrent: maxConcurrent,
		maxStarts:     maxStarts,
		window:        window,
		store:         store,
		timeNow:       timeNow,
	}
}

// CanProceed consults the persisted ledger and the in-memory token count.
func (l *StoredRateLimiter) CanProceed() (bool, error) {
	l.mu.Lock()
	inFlight := l.inFlight
	l.mu.Unlock()

	if inFlight >= l.maxConcurrent {
		return false, nil
	}
	if l.maxStarts <= 0 {
		return true, nil
	}

	now := l.timeNow()
	if err := l.store.PruneBefore(l.queueName, now.Add(-l.window)); err != nil {
		return false, errors.Wrap(err, "failed to prune rate ledger")
	}
	starts, err := l.store.StartsSince(l.queueName, now.Add(-l.window))
	if err != nil {
		return false, errors.Wrap(err, "failed to read rate ledger")
	}
	return len(starts) < l.maxStarts, nil
}

// NextAvailableTime derives the window opening from the persisted ledger.
func (l *StoredRateLimiter) NextAvailableTime() (time.Time, error) {
	if l.maxStarts <= 0 {
		return time.Time{}, nil
	}

	now := l.timeNow()
	starts, err := l.store.StartsSince(l.queueName, now.Add(-l.window))
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to read rate ledger")
	}
	if len(starts) < l.maxStarts {
		return time.Time{}, nil
	}
	oldest := starts[len(starts)-l.maxStarts]
	return oldest.Add(l.window), nil
}

// RecordJobStart takes a token and writes the start to the persisted ledger.
func (l *StoredRateLimiter) RecordJobStart() error {
	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()

	if l.maxStarts <= 0 {
		return nil
	}
	if err := l.store.RecordStart(l.queueName, l.timeNow()); err != nil {
		return errors.Wrap(err, "failed to record job start")
	}
	return nil
}

// RecordJobCompletion restores the in-memory token.
func (l *StoredRateLimiter) RecordJobCompletion() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Clear wipes the persisted ledger for this queue.
func (l *StoredRateLimiter) Clear() error {
	l.mu.Lock()
	l.inFlight = 0
	l.mu.Unlock()

	return l.store.Clear(l.queueName)
}
