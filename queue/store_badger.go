package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/teranos/conveyor/errors"
)

// BadgerStore persists jobs in a local Badger key-value database. Job records
// live as JSON values under job/<id>; the indexes the SQL backends get from
// the schema are maintained here as key prefixes, updated in the same
// transaction as the record:
//
//	idx/status/<status>/<id>                     status listing
//	idx/pend/<runAfter>/<createdAt>/<id>         claim order (pending only)
//	idx/run/<jobRunId>/<id>                      run grouping
//	idx/fp/<taskType>/<fingerprint>/<status>/<id> memoization lookup
//	rate/<queue>/<startedAt>                     rate-limiter ledger
type BadgerStore struct {
	db *badger.DB

	// Single-process ownership lets a mutex stand in for transaction
	// conflict retries on the write path.
	mu sync.Mutex
}

// NewBadgerStore creates a job store over an open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func jobKey(id string) []byte {
	return []byte("job/" + id)
}

func statusKey(status JobStatus, id string) []byte {
	return []byte(fmt.Sprintf("idx/status/%s/%s", status, id))
}

func pendKey(job *Job) []byte {
	return []byte(fmt.Sprintf("idx/pend/%020d/%020d/%s", job.RunAfter.UnixNano(), job.CreatedAt.UnixNano(), job.ID))
}

func runKey(runID, id string) []byte {
	return []byte(fmt.Sprintf("idx/run/%s/%s", runID, id))
}

func fpKey(job *Job) []byte {
	return []byte(fmt.Sprintf("idx/fp/%s/%s/%s/%s", job.TaskType, job.Fingerprint, job.Status, job.ID))
}

func rateKey(queueName string, at time.Time) []byte {
	return []byte(fmt.Sprintf("rate/%s/%020d", queueName, at.UnixNano()))
}

// writeJob persists the record and rewrites its index keys. prev carries the
// state whose index entries must be dropped; nil on insert.
func writeJob(txn *badger.Txn, job *Job, prev *Job) error {
	if prev != nil {
		if err := txn.Delete(statusKey(prev.Status, prev.ID)); err != nil {
			return err
		}
		if err := txn.Delete(fpKey(prev)); err != nil {
			return err
		}
		if prev.Status == JobStatusPending {
			if err := txn.Delete(pendKey(prev)); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	if err := txn.Set(jobKey(job.ID), data); err != nil {
		return err
	}
	if err := txn.Set(statusKey(job.Status, job.ID), nil); err != nil {
		return err
	}
	if err := txn.Set(fpKey(job), nil); err != nil {
		return err
	}
	if job.Status == JobStatusPending {
		if err := txn.Set(pendKey(job), nil); err != nil {
			return err
		}
	}
	if prev == nil && job.JobRunID != "" {
		if err := txn.Set(runKey(job.JobRunID, job.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func getJob(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	var job Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job")
	}
	return &job, nil
}

// idSuffix returns the trailing path segment of an index key.
func idSuffix(key []byte) string {
	parts := strings.Split(string(key), "/")
	return parts[len(parts)-1]
}

// Add inserts a pending job.
func (s *BadgerStore) Add(job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return errors.Wrapf(errors.ErrDuplicate, "job %s", job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "failed to check for duplicate")
		}
		return writeJob(txn, job, nil)
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Get returns a job by id.
func (s *BadgerStore) Get(id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJob(txn, id)
		return err
	})
	return job, err
}

// Peek returns up to n pending jobs in claim order without claiming them.
func (s *BadgerStore) Peek(n int) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("idx/pend/")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(jobs) < n; it.Next() {
			job, err := getJob(txn, idSuffix(it.Item().Key()))
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

// Next atomically claims the earliest eligible pending job. The pend index
// is ordered by (runAfter, createdAt, id), so the first eligible key wins.
func (s *BadgerStore) Next() (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed *Job
	now := time.Now()
	err := s.db.Update(func(txn *badger.Txn) error {
		// Find the candidate with the iterator closed before any write;
		// badger forbids mutating a txn with an active iterator.
		var candidate *Job
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte("idx/pend/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job, err := getJob(txn, idSuffix(it.Item().Key()))
			if err != nil {
				it.Close()
				return err
			}
			if job.RunAfter.After(now) {
				// Index is runAfter-ordered; nothing later is eligible
				break
			}
			candidate = job
			break
		}
		it.Close()

		if candidate == nil {
			return nil
		}
		prev := *candidate
		candidate.Claim()
		if err := writeJob(txn, candidate, &prev); err != nil {
			return err
		}
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim next job")
	}
	return claimed, nil
}

func (s *BadgerStore) listByStatus(status JobStatus) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("idx/status/%s/", status))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job, err := getJob(txn, idSuffix(it.Item().Key()))
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return claimLess(jobs[i], jobs[j]) })
	return jobs, nil
}

// Processing returns all claimed jobs.
func (s *BadgerStore) Processing() ([]*Job, error) {
	return s.listByStatus(JobStatusProcessing)
}

// Aborting returns all jobs flagged for abort.
func (s *BadgerStore) Aborting() ([]*Job, error) {
	return s.listByStatus(JobStatusAborting)
}

// Complete applies the outcome classification and persists the result.
func (s *BadgerStore) Complete(id string, output json.RawMessage, execErr error) (*Job, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *Job
	var outcome Outcome
	err := s.db.Update(func(txn *badger.Txn) error {
		loaded, err := getJob(txn, id)
		if err != nil {
			return err
		}
		prev := *loaded
		outcome = loaded.resolve(output, execErr, time.Now())
		job = loaded
		return writeJob(txn, loaded, &prev)
	})
	if err != nil {
		return nil, OutcomeFailed, err
	}
	return job, outcome, nil
}

// Skip marks a claimed job as satisfied by a prior identical result.
func (s *BadgerStore) Skip(id string, output json.RawMessage) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *Job
	err := s.db.Update(func(txn *badger.Txn) error {
		loaded, err := getJob(txn, id)
		if err != nil {
			return err
		}
		prev := *loaded
		loaded.skip(output, time.Now())
		job = loaded
		return writeJob(txn, loaded, &prev)
	})
	return job, err
}

// Abort transitions a processing job to aborting.
func (s *BadgerStore) Abort(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *Job
	err := s.db.Update(func(txn *badger.Txn) error {
		loaded, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if loaded.Status != JobStatusProcessing {
			return errors.Newf("job %s is not processing (status: %s)", id, loaded.Status)
		}
		prev := *loaded
		loaded.Status = JobStatusAborting
		loaded.UpdatedAt = time.Now()
		job = loaded
		return writeJob(txn, loaded, &prev)
	})
	return job, err
}

// Requeue returns an orphaned processing/aborting job to pending.
func (s *BadgerStore) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		loaded, err := getJob(txn, id)
		if err != nil {
			return err
		}
		prev := *loaded
		loaded.Status = JobStatusPending
		loaded.Error = ""
		loaded.UpdatedAt = time.Now()
		return writeJob(txn, loaded, &prev)
	})
}

// JobsByRunID returns all jobs sharing a jobRunId.
func (s *BadgerStore) JobsByRunID(runID string) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("idx/run/%s/", runID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job, err := getJob(txn, idSuffix(it.Item().Key()))
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return claimLess(jobs[i], jobs[j]) })
	return jobs, nil
}

// OutputForInput returns the output of a completed job matching the input's
// fingerprint. Outputs are stored as raw JSON and returned as such.
func (s *BadgerStore) OutputForInput(taskType string, input json.RawMessage) (json.RawMessage, error) {
	fp, err := Fingerprint(input)
	if err != nil {
		return nil, err
	}

	var candidates []*Job
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("idx/fp/%s/%s/%s/", taskType, fp, JobStatusCompleted))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job, err := getJob(txn, idSuffix(it.Item().Key()))
			if err != nil {
				return err
			}
			candidates = append(candidates, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return memoLess(candidates[i], candidates[j]) })
	return candidates[0].Output, nil
}

// Stats counts jobs by status.
func (s *BadgerStore) Stats() (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("idx/status/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			parts := strings.Split(string(it.Item().Key()), "/")
			if len(parts) != 4 {
				continue
			}
			stats.add(JobStatus(parts[2]), 1)
		}
		return nil
	})
	return stats, err
}

// Cleanup deletes terminal jobs whose UpdatedAt is older than the cutoff.
func (s *BadgerStore) Cleanup(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var stale []*Job
		for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusSkipped} {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			prefix := []byte(fmt.Sprintf("idx/status/%s/", status))
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				job, err := getJob(txn, idSuffix(it.Item().Key()))
				if err != nil {
					it.Close()
					return err
				}
				if job.UpdatedAt.Before(cutoff) {
					stale = append(stale, job)
				}
			}
			it.Close()
		}

		for _, job := range stale {
			if err := deleteJob(txn, job); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	return removed, nil
}

func deleteJob(txn *badger.Txn, job *Job) error {
	if err := txn.Delete(jobKey(job.ID)); err != nil {
		return err
	}
	if err := txn.Delete(statusKey(job.Status, job.ID)); err != nil {
		return err
	}
	if err := txn.Delete(fpKey(job)); err != nil {
		return err
	}
	if job.Status == JobStatusPending {
		if err := txn.Delete(pendKey(job)); err != nil {
			return err
		}
	}
	if job.JobRunID != "" {
		if err := txn.Delete(runKey(job.JobRunID, job.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the total number of jobs.
func (s *BadgerStore) Size() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("job/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DeleteAll removes every job and index entry.
func (s *BadgerStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range []string{"job/", "idx/"} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			var keys [][]byte
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RecordStart implements RateLimitStore under rate/<queue>/ keys.
func (s *BadgerStore) RecordStart(queueName string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rateKey(queueName, at), nil)
	})
}

// StartsSince implements RateLimitStore under rate/<queue>/ keys.
func (s *BadgerStore) StartsSince(queueName string, since time.Time) ([]time.Time, error) {
	var starts []time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("rate/%s/", queueName))
		for it.Seek(rateKey(queueName, since)); it.ValidForPrefix(prefix); it.Next() {
			var nanos int64
			if _, err := fmt.Sscanf(idSuffix(it.Item().Key()), "%d", &nanos); err != nil {
				continue
			}
			starts = append(starts, time.Unix(0, nanos))
		}
		return nil
	})
	return starts, err
}

// PruneBefore implements RateLimitStore under rate/<queue>/ keys.
func (s *BadgerStore) PruneBefore(queueName string, cutoff time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var stale [][]byte
		prefix := []byte(fmt.Sprintf("rate/%s/", queueName))
		end := string(rateKey(queueName, cutoff))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if string(it.Item().Key()) >= end {
				break
			}
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear implements RateLimitStore under rate/<queue>/ keys.
func (s *BadgerStore) Clear(queueName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		prefix := []byte(fmt.Sprintf("rate/%s/", queueName))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
