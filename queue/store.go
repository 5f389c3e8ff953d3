package queue

import (
	"context"
	"time"

	"github.com/davidhopkirk/stride/id"
)

// Store defines the persistence contract for tasks. The ready structure
// is rank-ordered (priority first, then enqueue age); the delayed
// structure is ordered by due time. Keeping them separate means a
// not-yet-due task can never block ready work behind it.
type Store interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// ExpireTask schedules the task record for eviction after ttl.
	// Completed and dead tasks are retained briefly for inspection.
	ExpireTask(ctx context.Context, taskID id.TaskID, ttl time.Duration) error

	// PushReady inserts the task into its queue's ready structure,
	// ranked so higher priority always outranks lower, and older
	// outranks newer within equal priority.
	PushReady(ctx context.Context, t *Task) error

	// PushDelayed inserts the task into its queue's delayed structure,
	// ordered by due time.
	PushDelayed(ctx context.Context, t *Task, until time.Time) error

	// SweepDue moves tasks whose due time has passed from the delayed
	// structure into the ready structure. Returns how many moved.
	SweepDue(ctx context.Context, queue string, now time.Time) (int, error)

	// PopReady removes and returns the highest-ranked ready task, or
	// (nil, nil) when the queue is empty.
	PopReady(ctx context.Context, queue string) (*Task, error)

	// RemoveFromQueue removes the task from both the ready and delayed
	// structures. The task record itself is untouched.
	RemoveFromQueue(ctx context.Context, t *Task) error

	// ReserveDedup atomically reserves the dedup key for taskID if it
	// is not already held. Returns false on collision.
	ReserveDedup(ctx context.Context, queue, key string, taskID id.TaskID) (bool, error)

	// ReleaseDedup frees the dedup key reservation.
	ReleaseDedup(ctx context.Context, queue, key string) error

	// PushDeadLetter appends the entry to the queue's dead letter list,
	// evicting the oldest entries beyond capacity.
	PushDeadLetter(ctx context.Context, entry *DeadLetter, capacity int64) error

	// ListDeadLetters returns up to limit entries, newest first.
	ListDeadLetters(ctx context.Context, queue string, limit int64) ([]*DeadLetter, error)

	// CountDeadLetters returns the number of dead letter entries.
	CountDeadLetters(ctx context.Context, queue string) (int64, error)

	// UpsertProgress creates or replaces the progress record for a task.
	UpsertProgress(ctx context.Context, p *Progress) error

	// GetProgress retrieves the progress record for a task.
	GetProgress(ctx context.Context, taskID id.TaskID) (*Progress, error)
}
