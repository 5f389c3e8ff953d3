// Package queue implements a shared priority queue with deduplication,
// delayed delivery, exponential retry backoff, and a bounded dead letter
// list, coordinated through a pluggable store backend.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/backoff"
	"github.com/davidhopkirk/stride/id"
)

// Emitter receives task lifecycle events. hook.Registry satisfies this
// interface; the indirection breaks the import cycle between queue and
// the hook package.
type Emitter interface {
	EmitTaskEnqueued(ctx context.Context, t *Task)
	EmitTaskCompleted(ctx context.Context, t *Task, elapsed time.Duration)
	EmitTaskRetrying(ctx context.Context, t *Task, attempt int, nextRunAt time.Time)
	EmitTaskDeadLettered(ctx context.Context, t *Task, taskErr error)
	EmitTaskCancelled(ctx context.Context, t *Task)
}

// Option configures a Queue.
type Option func(*Queue)

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(q *Queue) { q.emitter = e }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(bo backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = bo }
}

// WithDeadLetterCapacity bounds the per-queue dead letter list.
func WithDeadLetterCapacity(n int64) Option {
	return func(q *Queue) { q.deadLetterCap = n }
}

// WithCompletedRetention sets how long completed and dead task records
// are retained for inspection.
func WithCompletedRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// Queue provides enqueue/dequeue and lifecycle operations over a Store.
// It is safe for concurrent use by any number of processes sharing the
// same backend; the store's atomic primitives provide all coordination.
type Queue struct {
	store         Store
	emitter       Emitter
	backoff       backoff.Strategy
	logger        *slog.Logger
	deadLetterCap int64
	retention     time.Duration
}

// New creates a Queue over the given store.
func New(store Store, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:         store,
		backoff:       backoff.DefaultStrategy(),
		logger:        logger,
		deadLetterCap: 1000,
		retention:     time.Hour,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and persists the task, reserving its dedup key if
// set. A live dedup key causes a synchronous ErrDuplicateTask. Tasks
// with a future DelayUntil go to the delayed structure; everything else
// becomes immediately ready.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (id.TaskID, error) {
	if t.ID.IsNil() {
		t.ID = id.NewTaskID()
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	if t.Type == "" {
		return id.Nil, fmt.Errorf("stride/queue: enqueue: task type is required")
	}

	now := time.Now().UTC()
	t.Touch(now)
	t.State = StatePending

	if t.DedupKey != "" {
		ok, err := q.store.ReserveDedup(ctx, t.Queue, t.DedupKey, t.ID)
		if err != nil {
			return id.Nil, fmt.Errorf("stride/queue: reserve dedup: %w", err)
		}
		if !ok {
			return id.Nil, fmt.Errorf("%w: %q", stride.ErrDuplicateTask, t.DedupKey)
		}
	}

	if err := q.store.CreateTask(ctx, t); err != nil {
		if t.DedupKey != "" {
			q.releaseDedup(ctx, t)
		}
		return id.Nil, fmt.Errorf("stride/queue: create task: %w", err)
	}

	if t.DelayUntil != nil && t.DelayUntil.After(now) {
		if err := q.store.PushDelayed(ctx, t, *t.DelayUntil); err != nil {
			return id.Nil, fmt.Errorf("stride/queue: push delayed: %w", err)
		}
	} else {
		if err := q.store.PushReady(ctx, t); err != nil {
			return id.Nil, fmt.Errorf("stride/queue: push ready: %w", err)
		}
	}

	if q.emitter != nil {
		q.emitter.EmitTaskEnqueued(ctx, t)
	}

	q.logger.Debug("task enqueued",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.String("type", t.Type),
		slog.Int("priority", t.Priority),
	)
	return t.ID, nil
}

// Dequeue sweeps now-due delayed tasks into the ready structure, then
// pops the highest-ranked ready task and marks it running. Returns
// (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, queue string) (*Task, error) {
	now := time.Now().UTC()

	if _, err := q.store.SweepDue(ctx, queue, now); err != nil {
		return nil, fmt.Errorf("stride/queue: sweep due: %w", err)
	}

	t, err := q.store.PopReady(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("stride/queue: pop ready: %w", err)
	}
	if t == nil {
		return nil, nil
	}

	t.State = StateRunning
	t.StartedAt = &now
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("stride/queue: mark running: %w", err)
	}
	return t, nil
}

// Complete marks the task completed, releases its dedup reservation, and
// schedules the record for eviction after the retention window.
func (q *Queue) Complete(ctx context.Context, taskID id.TaskID) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("stride/queue: complete: %w", err)
	}

	now := time.Now().UTC()
	t.State = StateCompleted
	t.CompletedAt = &now
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("stride/queue: complete: %w", err)
	}

	q.releaseDedup(ctx, t)
	q.expire(ctx, t.ID)

	if q.emitter != nil {
		var elapsed time.Duration
		if t.StartedAt != nil {
			elapsed = now.Sub(*t.StartedAt)
		}
		q.emitter.EmitTaskCompleted(ctx, t, elapsed)
	}
	return nil
}

// Fail records a failed execution. With retries remaining the task
// re-enters the delayed structure after an exponentially growing backoff;
// otherwise it is dead-lettered, removed from the active structures, and
// its dedup key is released.
func (q *Queue) Fail(ctx context.Context, taskID id.TaskID, taskErr error) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("stride/queue: fail: %w", err)
	}

	now := time.Now().UTC()
	t.RetryCount++
	t.LastError = taskErr.Error()

	if t.RetryCount < t.MaxRetries {
		return q.scheduleRetry(ctx, t, now)
	}
	return q.deadLetter(ctx, t, taskErr, now)
}

func (q *Queue) scheduleRetry(ctx context.Context, t *Task, now time.Time) error {
	delay := q.backoff.Delay(t.RetryCount)
	until := now.Add(delay)
	t.State = StateRetrying
	t.DelayUntil = &until
	t.StartedAt = nil

	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("stride/queue: retry update: %w", err)
	}
	if err := q.store.PushDelayed(ctx, t, until); err != nil {
		return fmt.Errorf("stride/queue: retry push delayed: %w", err)
	}

	if q.emitter != nil {
		q.emitter.EmitTaskRetrying(ctx, t, t.RetryCount, until)
	}

	q.logger.Info("task scheduled for retry",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.Int("attempt", t.RetryCount),
		slog.Int("max_retries", t.MaxRetries),
		slog.Duration("delay", delay),
	)
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, t *Task, taskErr error, now time.Time) error {
	t.State = StateDead
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("stride/queue: dead letter update: %w", err)
	}

	entry := &DeadLetter{
		ID:         id.NewDeadLetterID(),
		TaskID:     t.ID,
		Queue:      t.Queue,
		Type:       t.Type,
		Payload:    t.Payload,
		Error:      taskErr.Error(),
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		FailedAt:   now,
	}
	if err := q.store.PushDeadLetter(ctx, entry, q.deadLetterCap); err != nil {
		return fmt.Errorf("stride/queue: push dead letter: %w", err)
	}

	// Defensive sweep: a task failed from an unusual state could still
	// sit in the ready or delayed structure.
	if err := q.store.RemoveFromQueue(ctx, t); err != nil {
		q.logger.Warn("dead letter queue removal failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	q.releaseDedup(ctx, t)
	q.expire(ctx, t.ID)

	if q.emitter != nil {
		q.emitter.EmitTaskDeadLettered(ctx, t, taskErr)
	}

	q.logger.Warn("task moved to dead letter list after exhausting retries",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.Int("retry_count", t.RetryCount),
		slog.String("error", taskErr.Error()),
	)
	return nil
}

// Cancel removes the task from the ready and delayed structures and
// releases its dedup reservation. Already-terminal tasks are rejected.
func (q *Queue) Cancel(ctx context.Context, taskID id.TaskID) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("stride/queue: cancel: %w", err)
	}
	if t.State.Terminal() {
		return fmt.Errorf("%w: cancel %s task", stride.ErrInvalidState, t.State)
	}

	if err := q.store.RemoveFromQueue(ctx, t); err != nil {
		return fmt.Errorf("stride/queue: cancel remove: %w", err)
	}

	t.State = StateCancelled
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("stride/queue: cancel update: %w", err)
	}

	q.releaseDedup(ctx, t)

	if q.emitter != nil {
		q.emitter.EmitTaskCancelled(ctx, t)
	}
	return nil
}

// Defer puts a dequeued task back into the delayed structure without
// counting a retry. Workers use this when a queue limit denies dispatch.
func (q *Queue) Defer(ctx context.Context, t *Task, delay time.Duration) error {
	until := time.Now().UTC().Add(delay)
	t.State = StatePending
	t.DelayUntil = &until
	t.StartedAt = nil

	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("stride/queue: defer update: %w", err)
	}
	if err := q.store.PushDelayed(ctx, t, until); err != nil {
		return fmt.Errorf("stride/queue: defer push: %w", err)
	}
	return nil
}

// Requeue turns a dead letter entry back into a fresh pending task with
// a reset retry budget.
func (q *Queue) Requeue(ctx context.Context, entry *DeadLetter) (id.TaskID, error) {
	t := &Task{
		Queue:      entry.Queue,
		Type:       entry.Type,
		Payload:    entry.Payload,
		MaxRetries: entry.MaxRetries,
	}
	return q.Enqueue(ctx, t)
}

// Get retrieves a task record by ID.
func (q *Queue) Get(ctx context.Context, taskID id.TaskID) (*Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// UpdateProgress upserts the progress record for a task.
func (q *Queue) UpdateProgress(ctx context.Context, taskID id.TaskID, current, total int, message string) error {
	p := &Progress{
		TaskID:    taskID,
		Current:   current,
		Total:     total,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.store.UpsertProgress(ctx, p); err != nil {
		return fmt.Errorf("stride/queue: update progress: %w", err)
	}
	return nil
}

// GetProgress retrieves the progress record for a task.
func (q *Queue) GetProgress(ctx context.Context, taskID id.TaskID) (*Progress, error) {
	return q.store.GetProgress(ctx, taskID)
}

// DeadLetters lists up to limit dead letter entries, newest first.
func (q *Queue) DeadLetters(ctx context.Context, queue string, limit int64) ([]*DeadLetter, error) {
	return q.store.ListDeadLetters(ctx, queue, limit)
}

// CountDeadLetters returns the size of a queue's dead letter list.
func (q *Queue) CountDeadLetters(ctx context.Context, queue string) (int64, error) {
	return q.store.CountDeadLetters(ctx, queue)
}

func (q *Queue) releaseDedup(ctx context.Context, t *Task) {
	if t.DedupKey == "" {
		return
	}
	if err := q.store.ReleaseDedup(ctx, t.Queue, t.DedupKey); err != nil {
		q.logger.Warn("dedup release failed",
			slog.String("task_id", t.ID.String()),
			slog.String("dedup_key", t.DedupKey),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) expire(ctx context.Context, taskID id.TaskID) {
	if q.retention <= 0 {
		return
	}
	if err := q.store.ExpireTask(ctx, taskID, q.retention); err != nil {
		q.logger.Warn("task expiry failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
	}
}
