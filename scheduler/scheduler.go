// Package scheduler manages recurring and one-time jobs: a poll loop
// finds due jobs, guards each execution with a distributed lock, invokes
// the registered executor under an enforced timeout, and records the
// outcome with retry backoff.
//
// Multiple scheduler processes may run against the same store for
// availability. The per-job lock, not process identity, is what prevents
// double execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/backoff"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/lock"
)

// dueBatchLimit caps how many due jobs one poll cycle dispatches.
const dueBatchLimit = 100

// Emitter receives job lifecycle events. hook.Registry satisfies this
// interface; the indirection breaks the import cycle between scheduler
// and the hook package.
type Emitter interface {
	EmitJobCompleted(ctx context.Context, j *Job, elapsed time.Duration)
	EmitJobFailed(ctx context.Context, j *Job, jobErr error)
	EmitJobRetrying(ctx context.Context, j *Job, attempt int, nextRunAt time.Time)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets how often the scheduler checks for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithLockMargin sets the slack added to a job's timeout to form its
// lock TTL, so a normally-finishing execution never outlives its lock.
func WithLockMargin(d time.Duration) Option {
	return func(s *Scheduler) { s.lockMargin = d }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(bo backoff.Strategy) Option {
	return func(s *Scheduler) { s.backoff = bo }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// Scheduler polls the job store and dispatches due jobs.
type Scheduler struct {
	store    Store
	locker   *lock.Locker
	registry *Registry
	emitter  Emitter
	backoff  backoff.Strategy
	logger   *slog.Logger

	pollInterval time.Duration
	lockMargin   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(store Store, locker *lock.Locker, registry *Registry, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		locker:       locker,
		registry:     registry,
		backoff:      backoff.DefaultStrategy(),
		logger:       logger,
		pollInterval: 1 * time.Second,
		lockMargin:   30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleJob validates and submits a job. Bad schedules and
// already-passed one-time schedules are rejected synchronously.
func (s *Scheduler) ScheduleJob(ctx context.Context, j *Job) (id.JobID, error) {
	if err := j.Schedule.Validate(); err != nil {
		return id.Nil, err
	}

	now := time.Now().UTC()
	next := j.Schedule.NextRun(now)
	if next == nil {
		return id.Nil, stride.ErrScheduleInPast
	}

	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	j.Touch(now)
	j.State = StateScheduled
	j.NextRun = next

	if err := s.store.CreateJob(ctx, j); err != nil {
		return id.Nil, fmt.Errorf("stride/scheduler: schedule job: %w", err)
	}

	s.logger.Info("job scheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("schedule", j.Schedule.String()),
		slog.Time("next_run", *next),
	)
	return j.ID, nil
}

// CancelJob marks the job cancelled. A currently-running execution is
// allowed to finish; nothing is interrupted.
func (s *Scheduler) CancelJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("stride/scheduler: cancel job: %w", err)
	}
	if err := j.Cancel(time.Now().UTC()); err != nil {
		return err
	}
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("stride/scheduler: cancel job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by ID.
func (s *Scheduler) GetJob(ctx context.Context, jobID id.JobID) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Start launches the poll loop. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(1)
	go s.pollLoop()

	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.pollInterval))
	return nil
}

// Stop signals the poll loop to stop and waits for in-flight dispatches.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll dispatches each due job in its own goroutine so one slow store
// round-trip or execution never stalls unrelated jobs. A store error
// degrades this cycle only; the loop never crashes.
func (s *Scheduler) poll() {
	ctx := context.Background()

	due, err := s.store.DueJobs(ctx, time.Now().UTC(), dueBatchLimit)
	if err != nil {
		s.logger.Error("due jobs query failed", slog.String("error", err.Error()))
		return
	}

	for _, j := range due {
		s.wg.Add(1)
		go func(j *Job) {
			defer s.wg.Done()
			s.runJob(ctx, j)
		}(j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	ttl := j.Timeout + s.lockMargin

	handle, err := s.locker.Acquire(ctx, "job:"+j.ID.String(), ttl)
	if err != nil {
		s.logger.Error("job lock error",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if handle == nil {
		// Another scheduler holds it; skip this cycle.
		return
	}
	defer func() {
		if _, relErr := s.locker.Release(ctx, handle); relErr != nil {
			s.logger.Error("job lock release error",
				slog.String("job_id", j.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	// Re-read under the lock: another scheduler may have run or
	// cancelled the job between the due query and acquisition.
	j, err = s.store.GetJob(ctx, j.ID)
	if err != nil {
		s.logger.Error("job reload failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	if !j.Due(now) {
		return
	}

	j.State = StateRunning
	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("job state update failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	start := time.Now()
	execErr := s.execute(ctx, j)
	elapsed := time.Since(start)
	now = time.Now().UTC()

	if execErr != nil {
		j.MarkFailed(now, execErr, s.backoff)
	} else {
		j.MarkCompleted(now)
	}

	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("job outcome persist failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.emitOutcome(ctx, j, execErr, elapsed)
}

// execute invokes the registered executor under the job's timeout. A
// missing executor counts as an ordinary execution failure so it flows
// through the same retry policy. Timeouts are reported distinctly via
// stride.ErrTimeout; the overrunning executor is abandoned, not killed.
func (s *Scheduler) execute(ctx context.Context, j *Job) error {
	exec, ok := s.registry.Get(j.Type)
	if !ok {
		return fmt.Errorf("%w: %q", stride.ErrExecutorNotFound, j.Type)
	}

	if j.Timeout <= 0 {
		return exec.Execute(ctx, j)
	}

	execCtx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- exec.Execute(execCtx, j)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		return fmt.Errorf("%w after %s", stride.ErrTimeout, j.Timeout)
	}
}

func (s *Scheduler) emitOutcome(ctx context.Context, j *Job, execErr error, elapsed time.Duration) {
	switch {
	case execErr == nil:
		if s.emitter != nil {
			s.emitter.EmitJobCompleted(ctx, j, elapsed)
		}
		s.logger.Info("job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Duration("elapsed", elapsed),
		)
	case j.State == StateFailed:
		if s.emitter != nil {
			s.emitter.EmitJobFailed(ctx, j, execErr)
		}
		s.logger.Warn("job failed terminally",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("retry_count", j.RetryCount),
			slog.String("error", execErr.Error()),
		)
	default:
		if s.emitter != nil && j.NextRun != nil {
			s.emitter.EmitJobRetrying(ctx, j, j.RetryCount, *j.NextRun)
		}
		s.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("attempt", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries),
			slog.String("error", execErr.Error()),
		)
	}
}
