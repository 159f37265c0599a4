package queue

import (
	"context"
	"sync"

	"github.com/teranos/conveyor/errors"
)

// AbortRegistry is a process-local map from job id to cancellation handle.
// Strictly in-memory: aborting a job owned by another process requires
// re-issuing the abort against that process.
//
// Exactly one live handle exists per processing job; the scheduling loop
// registers on claim and drops on completion.
type AbortRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewAbortRegistry creates an empty abort registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Register installs a cancellation handle for a job and returns the context
// its execution must observe. Fails if a handle already exists for the id.
func (r *AbortRegistry) Register(parent context.Context, id string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cancels[id]; exists {
		return nil, errors.Newf("abort handle already registered for job %s", id)
	}

	ctx, cancel := context.WithCancelCause(parent)
	r.cancels[id] = cancel
	return ctx, nil
}

// Cancel fires the handle for a job, if one is registered locally.
// Returns true if a handle was found.
func (r *AbortRegistry) Cancel(id string, reason string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel(NewAbortError(reason))
	return true
}

// Drop removes the handle for a job without raising an AbortError: its
// context is cancelled with a plain context.Canceled cause.
func (r *AbortRegistry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.cancels[id]; ok {
		// Release the context's resources; a dropped handle must not leak
		cancel(nil)
		delete(r.cancels, id)
	}
}

// Has reports whether a handle is registered for the id.
func (r *AbortRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}

// Size returns the number of live handles.
func (r *AbortRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
