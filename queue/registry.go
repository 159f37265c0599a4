package queue

import (
	"sync"

	"github.com/teranos/conveyor/errors"
)

// QueueRegistry maps logical queue names (e.g. "local_hf",
// "local_media_pipe") to JobQueue instances and starts/stops them as a set.
//
// Constructed explicitly at program start; teardown is StopQueues, which
// stops queues in reverse-registration order and returns only after every
// queue's Stop completes. No implicit finalization.
type QueueRegistry struct {
	mu     sync.RWMutex
	queues map[string]*JobQueue
	order  []string // registration order, for deterministic shutdown
}

// NewQueueRegistry creates an empty registry.
func NewQueueRegistry() *QueueRegistry {
	return &QueueRegistry{
		queues: make(map[string]*JobQueue),
	}
}

// RegisterQueue adds a queue under a logical name.
// Fails with errors.ErrDuplicate if the name is taken.
func (r *QueueRegistry) RegisterQueue(name string, q *JobQueue) error {
	if name == "" {
		return errors.New("queue name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[name]; exists {
		return errors.Wrapf(errors.ErrDuplicate, "queue %s", name)
	}
	r.queues[name] = q
	r.order = append(r.order, name)
	return nil
}

// GetQueue returns the queue registered under name, or errors.ErrNotFound.
func (r *QueueRegistry) GetQueue(name string) (*JobQueue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "queue %s", name)
	}
	return q, nil
}

// Names returns registered queue names in registration order.
func (r *QueueRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// StartQueues starts every registered queue in registration order.
func (r *QueueRegistry) StartQueues() {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, name := range names {
		if q, err := r.GetQueue(name); err == nil {
			q.Start()
		}
	}
}

// StopQueues stops every registered queue in reverse-registration order,
// returning only after each queue's Stop completes.
func (r *QueueRegistry) StopQueues() {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		if q, err := r.GetQueue(names[i]); err == nil {
			q.Stop()
		}
	}
}
