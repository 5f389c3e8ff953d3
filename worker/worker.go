// Package worker provides the task execution engine: a Worker that
// polls queues and runs registered handlers through middleware under a
// concurrency permit, and a Pool that manages a fleet of workers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/middleware"
	"github.com/davidhopkirk/stride/queue"
)

// Emitter receives worker-side task events. hook.Registry satisfies
// this interface.
type Emitter interface {
	EmitTaskStarted(ctx context.Context, t *queue.Task)
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency sets the worker's maximum number of in-flight tasks.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = int64(n)
		}
	}
}

// WithPollInterval sets how long the worker sleeps when all its queues
// are empty.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithHeartbeat enables periodic health reporting to the given store.
// Records expire after ttl; a ttl of zero falls back to three heartbeat
// intervals.
func WithHeartbeat(store HealthStore, interval, ttl time.Duration) Option {
	return func(w *Worker) {
		w.healthStore = store
		w.heartbeatInterval = interval
		w.healthTTL = ttl
	}
}

// WithLimiter sets per-queue dispatch limits. Tasks denied by the
// limiter are deferred back to their queue without a retry charge.
func WithLimiter(l *queue.Limiter) Option {
	return func(w *Worker) { w.limiter = l }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(w *Worker) { w.emitter = e }
}

// WithMiddleware sets the middleware chain applied around every handler
// invocation, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(w *Worker) { w.mw = middleware.Chain(mws...) }
}

// Worker polls an ordered list of queues and executes tasks through
// registered handlers. Queue order is priority order: queues earlier in
// the list are always drained first.
type Worker struct {
	id           id.WorkerID
	queues       []string
	q            *queue.Queue
	registry     *Registry
	limiter      *queue.Limiter
	emitter      Emitter
	mw           middleware.Middleware
	logger       *slog.Logger
	concurrency  int64
	pollInterval time.Duration

	healthStore       HealthStore
	heartbeatInterval time.Duration
	healthTTL         time.Duration
	startedAt         time.Time

	sem       *semaphore.Weighted
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Worker that polls the given queues in order.
func New(q *queue.Queue, registry *Registry, queues []string, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	w := &Worker{
		id:           id.NewWorkerID(),
		queues:       queues,
		q:            q,
		registry:     registry,
		logger:       logger,
		concurrency:  10,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(w.concurrency)
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.WorkerID { return w.id }

// Queues returns the worker's queue list in polling order.
func (w *Worker) Queues() []string { return w.queues }

// ActiveTasks returns the number of tasks currently in flight.
func (w *Worker) ActiveTasks() int { return int(w.active.Load()) }

// TasksCompleted returns the number of successfully finished tasks.
func (w *Worker) TasksCompleted() int64 { return w.completed.Load() }

// TasksFailed returns the number of failed task executions.
func (w *Worker) TasksFailed() int64 { return w.failed.Load() }

// Start launches the polling loop. It returns immediately.
func (w *Worker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.startedAt = time.Now().UTC()

	w.wg.Add(1)
	go w.pollLoop()

	if w.healthStore != nil && w.heartbeatInterval > 0 {
		w.wg.Add(1)
		go w.heartbeatLoop()
	}

	w.logger.Info("worker started",
		slog.String("worker_id", w.id.String()),
		slog.Any("queues", w.queues),
		slog.Int64("concurrency", w.concurrency),
	)
	return nil
}

// Stop signals the worker to stop and waits for in-flight tasks, or
// until the context expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped", slog.String("worker_id", w.id.String()))
	case <-ctx.Done():
		w.logger.Warn("worker shutdown timed out with tasks in flight",
			slog.String("worker_id", w.id.String()),
			slog.Int64("active", w.active.Load()),
		)
	}

	w.reportShutdown()
	return nil
}

// pollLoop acquires a concurrency permit, then scans the queues in
// priority order for a task. Each dequeued task executes in its own
// goroutine holding the permit.
func (w *Worker) pollLoop() {
	defer w.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		// Stop may have closed stopCh while Acquire was blocking; no new
		// task may start after that.
		select {
		case <-w.stopCh:
			w.sem.Release(1)
			return
		default:
		}

		t := w.nextTask(ctx)
		if t == nil {
			w.sem.Release(1)
			w.sleep()
			continue
		}

		w.wg.Add(1)
		w.active.Add(1)
		go func(t *queue.Task) {
			defer func() {
				w.active.Add(-1)
				w.sem.Release(1)
				w.wg.Done()
			}()
			w.run(ctx, t)
		}(t)
	}
}

// nextTask returns the first task found scanning the queues in order,
// or nil when every queue is empty. A queue denied by the limiter is
// skipped this pass and its task deferred.
func (w *Worker) nextTask(ctx context.Context) *queue.Task {
	for _, name := range w.queues {
		t, err := w.q.Dequeue(ctx, name)
		if err != nil {
			w.logger.Error("dequeue error",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if t == nil {
			continue
		}

		if w.limiter != nil && !w.limiter.Acquire(name) {
			if deferErr := w.q.Defer(ctx, t, w.pollInterval); deferErr != nil {
				w.logger.Error("defer of limited task failed",
					slog.String("task_id", t.ID.String()),
					slog.String("error", deferErr.Error()),
				)
			}
			continue
		}
		return t
	}
	return nil
}

// run executes one task end to end: handler lookup, middleware chain,
// timeout enforcement, and completion or failure reporting.
func (w *Worker) run(ctx context.Context, t *queue.Task) {
	defer func() {
		if w.limiter != nil {
			w.limiter.Release(t.Queue)
		}
	}()

	if w.emitter != nil {
		w.emitter.EmitTaskStarted(ctx, t)
	}

	execErr := w.execute(ctx, t)
	if execErr == nil {
		w.completed.Add(1)
		if err := w.q.Complete(ctx, t.ID); err != nil {
			w.logger.Error("task completion report failed",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.failed.Add(1)
	if err := w.q.Fail(ctx, t.ID, execErr); err != nil {
		w.logger.Error("task failure report failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// execute invokes the handler through the middleware chain under the
// task's timeout. A missing handler is an ordinary failure so it flows
// through the retry policy. Timeouts are reported as stride.ErrTimeout;
// the overrunning handler is abandoned, not killed.
func (w *Worker) execute(ctx context.Context, t *queue.Task) error {
	handler, ok := w.registry.Get(t.Type)
	if !ok {
		return fmt.Errorf("%w: %q", stride.ErrHandlerNotFound, t.Type)
	}

	terminal := func(ctx context.Context) error {
		return handler.Handle(ctx, t.Payload)
	}
	invoke := terminal
	if w.mw != nil {
		invoke = func(ctx context.Context) error {
			return w.mw(ctx, t, terminal)
		}
	}

	if t.Timeout <= 0 {
		return invoke(ctx)
	}

	execCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- invoke(execCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		return fmt.Errorf("%w after %s", stride.ErrTimeout, t.Timeout)
	}
}

// ──────────────────────────────────────────────────
// Health reporting
// ──────────────────────────────────────────────────

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.reportHealth()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reportHealth()
		}
	}
}

func (w *Worker) reportHealth() {
	status := StatusIdle
	if w.active.Load() > 0 {
		status = StatusBusy
	}
	w.upsertHealth(status)
}

func (w *Worker) reportShutdown() {
	if w.healthStore == nil {
		return
	}
	w.upsertHealth(StatusShutdown)
}

// upsertHealth writes the record with the configured TTL, defaulting to
// three heartbeat intervals so a crashed worker's record outlives the
// stale threshold long enough to be observed as unhealthy, then
// disappears.
func (w *Worker) upsertHealth(status Status) {
	h := &Health{
		WorkerID:       w.id,
		Status:         status,
		Queues:         w.queues,
		ActiveTasks:    int(w.active.Load()),
		TasksCompleted: w.completed.Load(),
		TasksFailed:    w.failed.Load(),
		StartedAt:      w.startedAt,
		LastHeartbeat:  time.Now().UTC(),
	}

	ttl := w.healthTTL
	if ttl <= 0 {
		ttl = 3 * w.heartbeatInterval
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := w.healthStore.UpsertHealth(context.Background(), h, ttl); err != nil {
		w.logger.Warn("health heartbeat failed",
			slog.String("worker_id", w.id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) sleep() {
	select {
	case <-time.After(w.pollInterval):
	case <-w.stopCh:
	}
}
