package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/teranos/conveyor/errors"
)

// Handler executes jobs of one task type.
//
// Design: Dependency Inversion
// - queue package defines this abstraction
// - domain packages provide implementations
// - the scheduling loop executes jobs through handlers without knowing
//   domain details
//
// Context cancellation is cooperative: Execute MUST propagate ctx to any
// nested cancellable work, check ctx.Done() periodically, and return
// promptly when the signal fires (ctx.Err() or an AbortError both classify
// as aborted). A handler that ignores the signal runs to completion and its
// result stands; the queue cannot forcibly kill it.
//
// Transient faults should be returned as *RetryableError with a retry time;
// non-transient domain failures as *PermanentError. Anything else is treated
// as permanent.
type Handler interface {
	// Execute runs the job and returns its output.
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)

	// TaskType returns the task type this handler serves
	// (e.g. "hf.text-generation"). Used for registration and job routing.
	TaskType() string
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, job *Job) (json.RawMessage, error)
}

// Execute implements Handler.
func (h HandlerFunc) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return h.Fn(ctx, job)
}

// TaskType implements Handler.
func (h HandlerFunc) TaskType() string { return h.Type }

// HandlerRegistry manages handlers by task type.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its task type.
// Panics if a handler is already registered for that type.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taskType := handler.TaskType()
	if _, exists := r.handlers[taskType]; exists {
		panic(errors.Newf("handler already registered for task type: %s", taskType).Error())
	}
	r.handlers[taskType] = handler
}

// Get retrieves the handler for a task type.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(taskType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}

// Has checks if a handler is registered for a task type.
func (r *HandlerRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[taskType]
	return exists
}

// TaskTypes returns all registered task types.
func (r *HandlerRegistry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	return types
}
