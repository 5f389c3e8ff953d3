// Package engine wires all Stride subsystems together: the hook
// registry, executor and handler registries, middleware chain, queue,
// scheduler, and worker pool, over a single composite store.
//
// This package exists to break the import cycle: the root stride package
// defines Entity and Config (imported by queue, scheduler, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/backoff"
	"github.com/davidhopkirk/stride/hook"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/lock"
	mw "github.com/davidhopkirk/stride/middleware"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
	"github.com/davidhopkirk/stride/store"
	"github.com/davidhopkirk/stride/worker"
)

// instrumentationScope names the OTel tracer and meter used when custom
// providers are injected.
const instrumentationScope = "github.com/davidhopkirk/stride"

// Engine bundles the Stride pipeline behind one handle. Use New to
// build one over a store backend.
type Engine struct {
	cfg    stride.Config
	logger *slog.Logger
	store  store.Store

	hooks     *hook.Registry
	executors *scheduler.Registry
	handlers  *worker.Registry

	q         *queue.Queue
	locker    *lock.Locker
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	limiter   *queue.Limiter

	bo      backoff.Strategy
	mws     []mw.Middleware
	queues  []string
	workers int

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	limitConfigs []queue.LimitConfig
	pendingHooks []hook.Hook
}

// Option configures an Engine.
type Option func(*Engine)

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(e *Engine) { e.pendingHooks = append(e.pendingHooks, h) }
}

// WithMiddleware appends middleware to the engine's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the retry backoff strategy for both the queue and
// the scheduler.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithQueues sets the queue names workers poll, in priority order.
func WithQueues(names ...string) Option {
	return func(e *Engine) { e.queues = names }
}

// WithWorkers sets how many workers the pool starts with.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueLimits registers per-queue rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueLimits(configs ...queue.LimitConfig) Option {
	return func(e *Engine) { e.limitConfigs = append(e.limitConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. When unset the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the
// metrics middleware and the metrics hook. When unset the global
// provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New builds an Engine over the given store.
func New(s store.Store, cfg stride.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, stride.ErrNoStore
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		hooks:     hook.NewRegistry(logger),
		executors: scheduler.NewRegistry(),
		handlers:  worker.NewRegistry(),
		queues:    []string{"default"},
		workers:   1,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.bo == nil {
		e.bo = backoff.NewExponential(cfg.BackoffBase, 0)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationScope))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware and the lifecycle metrics hook.
	var metricsMw mw.Middleware
	var metricsHook *hook.MetricsHook
	if e.meterProvider != nil {
		meter := e.meterProvider.Meter(instrumentationScope)
		metricsMw = mw.MetricsWithMeter(meter)
		metricsHook = hook.NewMetricsHookWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
		metricsHook = hook.NewMetricsHook()
	}
	e.hooks.Register(metricsHook)
	for _, h := range e.pendingHooks {
		e.hooks.Register(h)
	}

	// Default middleware stack: recover, then tracing, metrics, and
	// logging around the timeout-scoped handler.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(e.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, e.mws...)

	e.q = queue.New(s, logger,
		queue.WithEmitter(e.hooks),
		queue.WithBackoff(e.bo),
		queue.WithDeadLetterCapacity(cfg.DeadLetterCapacity),
		queue.WithCompletedRetention(cfg.CompletedRetention),
	)

	e.locker = lock.New(s, logger)
	e.scheduler = scheduler.New(s, e.locker, e.executors, logger,
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithLockMargin(cfg.LockMargin),
		scheduler.WithBackoff(e.bo),
		scheduler.WithEmitter(e.hooks),
	)

	if len(e.limitConfigs) > 0 {
		e.limiter = queue.NewLimiter(e.limitConfigs...)
	}

	e.pool = worker.NewPool(e.workerFactory(allMws), logger)
	return e, nil
}

// workerFactory builds the pool's worker constructor with the shared
// middleware chain baked in.
func (e *Engine) workerFactory(mws []mw.Middleware) worker.Factory {
	return func() *worker.Worker {
		opts := []worker.Option{
			worker.WithConcurrency(e.cfg.MaxConcurrent),
			worker.WithPollInterval(e.cfg.PollInterval),
			worker.WithHeartbeat(e.store, e.cfg.HeartbeatInterval, e.cfg.HealthTTL),
			worker.WithEmitter(e.hooks),
			worker.WithMiddleware(mws...),
		}
		if e.limiter != nil {
			opts = append(opts, worker.WithLimiter(e.limiter))
		}
		return worker.New(e.q, e.handlers, e.queues, e.logger, opts...)
	}
}

// RegisterHandler binds a task handler to a task type.
func (e *Engine) RegisterHandler(taskType string, h worker.Handler) {
	e.handlers.Register(taskType, h)
}

// RegisterExecutor binds a job executor to a job type.
func (e *Engine) RegisterExecutor(jobType string, x scheduler.Executor) {
	e.executors.Register(jobType, x)
}

// Enqueue marshals payload to JSON and enqueues a task of the given type.
func Enqueue[T any](ctx context.Context, e *Engine, taskType string, payload T) (id.TaskID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return id.Nil, fmt.Errorf("stride/engine: marshal payload for task %q: %w", taskType, err)
	}
	return e.EnqueueTask(ctx, &queue.Task{Type: taskType, Payload: data})
}

// EnqueueTask enqueues a fully-specified task.
func (e *Engine) EnqueueTask(ctx context.Context, t *queue.Task) (id.TaskID, error) {
	return e.q.Enqueue(ctx, t)
}

// ScheduleJob validates and submits a scheduled job.
func (e *Engine) ScheduleJob(ctx context.Context, j *scheduler.Job) (id.JobID, error) {
	return e.scheduler.ScheduleJob(ctx, j)
}

// Start pings the store, starts the scheduler, and scales the worker
// pool up to the configured size.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("stride/engine: store ping: %w", err)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("stride/engine: start scheduler: %w", err)
	}
	if err := e.pool.Scale(ctx, e.workers); err != nil {
		return fmt.Errorf("stride/engine: scale pool: %w", err)
	}
	e.logger.Info("engine started",
		slog.Int("workers", e.workers),
		slog.Any("queues", e.queues),
	)
	return nil
}

// Stop gracefully shuts down the pool and scheduler, bounded by the
// configured shutdown timeout, then notifies shutdown hooks.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	var firstErr error
	if err := e.pool.StopAll(ctx); err != nil {
		firstErr = err
	}
	if err := e.scheduler.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	e.hooks.EmitShutdown(ctx)
	e.logger.Info("engine stopped")
	return firstErr
}

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Queue returns the task queue.
func (e *Engine) Queue() *queue.Queue { return e.q }

// Scheduler returns the job scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Pool returns the worker pool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Locker returns the distributed lock manager.
func (e *Engine) Locker() *lock.Locker { return e.locker }

// Limiter returns the per-queue dispatch limiter, or nil when no queue
// limits were configured.
func (e *Engine) Limiter() *queue.Limiter { return e.limiter }

// Store returns the underlying composite store.
func (e *Engine) Store() store.Store { return e.store }

// Health lists the live worker health records from the store, with
// staleness classified against the configured heartbeat interval.
func (e *Engine) Health(ctx context.Context) ([]*worker.Health, error) {
	records, err := e.store.ListHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("stride/engine: list health: %w", err)
	}
	now := time.Now().UTC()
	for _, h := range records {
		h.Status = h.Classify(now, e.cfg.HeartbeatInterval)
	}
	return records, nil
}
