package scheduler

import (
	"context"
	"sync"
)

// Executor runs a single scheduled job. Implementations are expected to
// complete or fail within the job's timeout; the scheduler abandons
// executions that overrun it.
type Executor interface {
	Execute(ctx context.Context, j *Job) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j *Job) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, j *Job) error { return f(ctx, j) }

// Registry maps job types to executors. It is safe for concurrent use.
// Registering the same type twice replaces the earlier executor; the
// last registration wins.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a job type.
func (r *Registry) Register(jobType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = e
}

// Get returns the executor for the given job type.
// Returns false if none is registered.
func (r *Registry) Get(jobType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[jobType]
	return e, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
