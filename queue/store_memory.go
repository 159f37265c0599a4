package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/teranos/conveyor/errors"
)

// MemoryStore keeps jobs in process memory, guarded by a mutex. State does
// not survive restart; useful for tests and ephemeral queues.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job

	rateMu sync.Mutex
	starts map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		starts: make(map[string][]time.Time),
	}
}

// cloneJob guards callers against aliasing the store's copy.
func cloneJob(j *Job) *Job {
	c := *j
	if j.Input != nil {
		c.Input = append(json.RawMessage(nil), j.Input...)
	}
	if j.Output != nil {
		c.Output = append(json.RawMessage(nil), j.Output...)
	}
	if j.DeadlineAt != nil {
		d := *j.DeadlineAt
		c.DeadlineAt = &d
	}
	return &c
}

// Add inserts a pending job.
func (s *MemoryStore) Add(job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return "", errors.Wrapf(errors.ErrDuplicate, "job %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return job.ID, nil
}

// Get returns a job by id.
func (s *MemoryStore) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	return cloneJob(job), nil
}

// pendingLocked returns pending jobs in claim order. Caller holds s.mu.
func (s *MemoryStore) pendingLocked() []*Job {
	var pending []*Job
	for _, job := range s.jobs {
		if job.Status == JobStatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return claimLess(pending[i], pending[j]) })
	return pending
}

// Peek returns up to n pending jobs in claim order.
func (s *MemoryStore) Peek(n int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pendingLocked()
	if len(pending) > n {
		pending = pending[:n]
	}
	out := make([]*Job, 0, len(pending))
	for _, job := range pending {
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// Next atomically claims the earliest eligible pending job.
func (s *MemoryStore) Next() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, job := range s.pendingLocked() {
		if job.RunAfter.After(now) {
			continue
		}
		job.Claim()
		return cloneJob(job), nil
	}
	return nil, nil
}

func (s *MemoryStore) byStatus(status JobStatus) []*Job {
	var out []*Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return claimLess(out[i], out[j]) })
	return out
}

// Processing returns all claimed jobs.
func (s *MemoryStore) Processing() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStatus(JobStatusProcessing), nil
}

// Aborting returns all jobs flagged for abort.
func (s *MemoryStore) Aborting() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStatus(JobStatusAborting), nil
}

// Complete applies the outcome classification and persists the result.
func (s *MemoryStore) Complete(id string, output json.RawMessage, execErr error) (*Job, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, OutcomeFailed, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}

	outcome := job.resolve(output, execErr, time.Now())
	return cloneJob(job), outcome, nil
}

// Skip marks a claimed job as satisfied by a prior identical result.
func (s *MemoryStore) Skip(id string, output json.RawMessage) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	job.skip(output, time.Now())
	return cloneJob(job), nil
}

// Abort transitions a processing job to aborting.
func (s *MemoryStore) Abort(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if job.Status != JobStatusProcessing {
		return nil, errors.Newf("job %s is not processing (status: %s)", id, job.Status)
	}
	job.Status = JobStatusAborting
	job.UpdatedAt = time.Now()
	return cloneJob(job), nil
}

// Requeue returns an orphaned job to pending.
func (s *MemoryStore) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	job.Status = JobStatusPending
	job.Error = ""
	job.UpdatedAt = time.Now()
	return nil
}

// JobsByRunID returns all jobs sharing a jobRunId.
func (s *MemoryStore) JobsByRunID(runID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.jobs {
		if job.JobRunID == runID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return claimLess(out[i], out[j]) })
	return out, nil
}

// OutputForInput returns the output of a completed job matching the input's
// fingerprint, or nil if none.
func (s *MemoryStore) OutputForInput(taskType string, input json.RawMessage) (json.RawMessage, error) {
	fp, err := Fingerprint(input)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, job := range s.jobs {
		if job.TaskType == taskType && job.Fingerprint == fp && job.Status == JobStatusCompleted {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return memoLess(candidates[i], candidates[j]) })
	return append(json.RawMessage(nil), candidates[0].Output...), nil
}

// Stats counts jobs by status.
func (s *MemoryStore) Stats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	for _, job := range s.jobs {
		stats.add(job.Status, 1)
	}
	return stats, nil
}

// Cleanup deletes terminal jobs older than the cutoff.
func (s *MemoryStore) Cleanup(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Size returns the total number of jobs.
func (s *MemoryStore) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}

// DeleteAll removes every job.
func (s *MemoryStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*Job)
	return nil
}

// RecordStart implements RateLimitStore in memory.
func (s *MemoryStore) RecordStart(queueName string, at time.Time) error {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	s.starts[queueName] = append(s.starts[queueName], at)
	return nil
}

// StartsSince implements RateLimitStore in memory.
func (s *MemoryStore) StartsSince(queueName string, since time.Time) ([]time.Time, error) {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	var out []time.Time
	for _, at := range s.starts[queueName] {
		if !at.Before(since) {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// PruneBefore implements RateLimitStore in memory.
func (s *MemoryStore) PruneBefore(queueName string, cutoff time.Time) error {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	kept := s.starts[queueName][:0]
	for _, at := range s.starts[queueName] {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	s.starts[queueName] = kept
	return nil
}

// Clear implements RateLimitStore in memory.
func (s *MemoryStore) Clear(queueName string) error {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	delete(s.starts, queueName)
	return nil
}
