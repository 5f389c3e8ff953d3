// Package hook defines the lifecycle hook system for Stride.
//
// Hooks are notified of task and job lifecycle events and can react to
// them: recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about. The [Registry] fans each event out to all
// registered hooks that implement the corresponding interface.
package hook

import (
	"context"
	"time"

	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskEnqueued is called after a task is accepted into a queue.
type TaskEnqueued interface {
	OnTaskEnqueued(ctx context.Context, t *queue.Task) error
}

// TaskStarted is called when a worker begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *queue.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *queue.Task, elapsed time.Duration) error
}

// TaskRetrying is called when a task fails but is scheduled for retry.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *queue.Task, attempt int, nextRunAt time.Time) error
}

// TaskDeadLettered is called when a task exhausts its retries and is
// moved to the dead letter queue.
type TaskDeadLettered interface {
	OnTaskDeadLettered(ctx context.Context, t *queue.Task, err error) error
}

// TaskCancelled is called when a pending or delayed task is cancelled.
type TaskCancelled interface {
	OnTaskCancelled(ctx context.Context, t *queue.Task) error
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobCompleted is called after a scheduled job execution succeeds.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *scheduler.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails with no retries remaining.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *scheduler.Job, err error) error
}

// JobRetrying is called when a job execution fails but will be retried.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *scheduler.Job, attempt int, nextRunAt time.Time) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
