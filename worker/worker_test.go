package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/store/memory"
	"github.com/davidhopkirk/stride/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newFixture(t *testing.T) (*queue.Queue, *worker.Registry, *memory.Store) {
	t.Helper()
	s := memory.New()
	return queue.New(s, testLogger()), worker.NewRegistry(), s
}

func TestWorker_ExecutesTask(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	var got atomic.Value
	reg.Register("send-email", worker.HandlerFunc(func(_ context.Context, payload []byte) error {
		got.Store(string(payload))
		return nil
	}))

	taskID, err := q.Enqueue(ctx, &queue.Task{Type: "send-email", Payload: []byte(`{"to":"ops"}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := worker.New(q, reg, nil, testLogger(), worker.WithPollInterval(5*time.Millisecond))
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task.State == queue.StateCompleted
	})

	if payload, _ := got.Load().(string); payload != `{"to":"ops"}` {
		t.Errorf("handler saw payload %q", payload)
	}
	if w.TasksCompleted() != 1 || w.TasksFailed() != 0 {
		t.Errorf("counters = %d completed, %d failed", w.TasksCompleted(), w.TasksFailed())
	}
}

func TestWorker_MissingHandlerDeadLetters(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, &queue.Task{Type: "nobody-home", MaxRetries: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := worker.New(q, reg, nil, testLogger(), worker.WithPollInterval(5*time.Millisecond))
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task.State == queue.StateDead
	})

	entries, err := q.DeadLetters(ctx, "default", 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("dead letters = (%d, %v), want 1 entry", len(entries), err)
	}
	if !strings.Contains(entries[0].Error, stride.ErrHandlerNotFound.Error()) {
		t.Errorf("dead letter error = %q", entries[0].Error)
	}
	if w.TasksFailed() != 1 {
		t.Errorf("TasksFailed = %d, want 1", w.TasksFailed())
	}
}

func TestWorker_ConcurrencyCeiling(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	const tasks = 6
	gate := make(chan struct{})
	var inFlight, peak atomic.Int64
	reg.Register("send-email", worker.HandlerFunc(func(context.Context, []byte) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		return nil
	}))

	for i := 0; i < tasks; i++ {
		if _, err := q.Enqueue(ctx, &queue.Task{Type: "send-email"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	w := worker.New(q, reg, nil, testLogger(),
		worker.WithConcurrency(2),
		worker.WithPollInterval(5*time.Millisecond),
	)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return inFlight.Load() == 2 })
	// Hold the gate shut a little longer to catch a permit leak.
	time.Sleep(30 * time.Millisecond)
	if w.ActiveTasks() != 2 {
		t.Errorf("ActiveTasks = %d while gated, want 2", w.ActiveTasks())
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool { return w.TasksCompleted() == tasks })
	w.Stop(ctx)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", got)
	}
}

func TestWorker_DrainsQueuesInOrder(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	reg.Register("send-email", worker.HandlerFunc(func(context.Context, []byte) error {
		return nil
	}))
	record := worker.HandlerFunc(func(_ context.Context, payload []byte) error {
		mu.Lock()
		order = append(order, string(payload))
		mu.Unlock()
		return nil
	})
	reg.Register("work", record)

	if _, err := q.Enqueue(ctx, &queue.Task{Type: "work", Queue: "bulk", Payload: []byte("bulk")}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, &queue.Task{Type: "work", Queue: "critical", Payload: []byte("critical")}); err != nil {
		t.Fatal(err)
	}

	// Single permit so the queue scan order is observable.
	w := worker.New(q, reg, []string{"critical", "bulk"}, testLogger(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool { return w.TasksCompleted() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "critical" || order[1] != "bulk" {
		t.Errorf("execution order = %v, want critical before bulk", order)
	}
}

func TestWorker_LimiterDefersWithoutRetryCharge(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	reg.Register("send-email", worker.HandlerFunc(func(context.Context, []byte) error {
		<-gate
		return nil
	}))

	first, err := q.Enqueue(ctx, &queue.Task{Type: "send-email"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, &queue.Task{Type: "send-email"})
	if err != nil {
		t.Fatal(err)
	}

	limiter := queue.NewLimiter(queue.LimitConfig{Queue: "default", MaxConcurrency: 1})
	w := worker.New(q, reg, nil, testLogger(),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithLimiter(limiter),
	)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool { return w.ActiveTasks() == 1 })
	time.Sleep(30 * time.Millisecond)
	if w.ActiveTasks() != 1 {
		t.Fatalf("ActiveTasks = %d with limit 1", w.ActiveTasks())
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool { return w.TasksCompleted() == 2 })

	// The deferred dispatch must not have consumed a retry.
	for _, taskID := range []id.TaskID{first, second} {
		task, err := q.Get(ctx, taskID)
		if err != nil {
			t.Fatalf("get %s: %v", taskID, err)
		}
		if task.RetryCount != 0 {
			t.Errorf("task %s RetryCount = %d, want 0", taskID, task.RetryCount)
		}
	}
}

func TestWorker_TimeoutFailsTask(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	reg.Register("send-email", worker.HandlerFunc(func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	taskID, err := q.Enqueue(ctx, &queue.Task{
		Type:       "send-email",
		Timeout:    30 * time.Millisecond,
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := worker.New(q, reg, nil, testLogger(), worker.WithPollInterval(5*time.Millisecond))
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task.State == queue.StateDead
	})

	task, _ := q.Get(ctx, taskID)
	if !strings.Contains(task.LastError, stride.ErrTimeout.Error()) {
		t.Errorf("LastError = %q, want a timeout", task.LastError)
	}
}

func TestWorker_HeartbeatReportsHealth(t *testing.T) {
	q, reg, s := newFixture(t)
	ctx := context.Background()

	w := worker.New(q, reg, []string{"email"}, testLogger(),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithHeartbeat(s, 20*time.Millisecond, 0),
	)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := s.GetHealth(ctx, w.ID())
		return err == nil
	})

	h, err := s.GetHealth(ctx, w.ID())
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if h.Status != worker.StatusIdle {
		t.Errorf("Status = %q, want idle", h.Status)
	}
	if len(h.Queues) != 1 || h.Queues[0] != "email" {
		t.Errorf("Queues = %v", h.Queues)
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Shutdown is reported as a final heartbeat.
	h, err = s.GetHealth(ctx, w.ID())
	if err != nil {
		t.Fatalf("get health after stop: %v", err)
	}
	if h.Status != worker.StatusShutdown {
		t.Errorf("Status = %q after stop, want shutdown", h.Status)
	}
}

func TestWorker_StopDoesNotStartQueuedTask(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	reg.Register("send-email", worker.HandlerFunc(func(context.Context, []byte) error {
		<-gate
		return nil
	}))

	first, err := q.Enqueue(ctx, &queue.Task{Type: "send-email"})
	if err != nil {
		t.Fatal(err)
	}

	w := worker.New(q, reg, nil, testLogger(),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithConcurrency(1),
	)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return w.ActiveTasks() == 1 })

	// The poll loop is now blocked waiting for the single permit. A task
	// enqueued here must not start once Stop has been signalled, even
	// though finishing the in-flight task frees the permit.
	second, err := q.Enqueue(ctx, &queue.Task{Type: "send-email"})
	if err != nil {
		t.Fatal(err)
	}

	stopDone := make(chan struct{})
	go func() {
		_ = w.Stop(ctx)
		close(stopDone)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	<-stopDone

	got, err := q.Get(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != queue.StateCompleted {
		t.Errorf("in-flight task state = %q, want completed", got.State)
	}
	queued, err := q.Get(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if queued.State != queue.StatePending {
		t.Errorf("queued task state = %q, want pending after stop", queued.State)
	}
}

func TestWorker_HeartbeatHonorsConfiguredTTL(t *testing.T) {
	q, reg, s := newFixture(t)
	ctx := context.Background()

	// Stop before the TTL elapses so no further heartbeats refresh the
	// record; it must then lapse on the configured schedule.
	w := worker.New(q, reg, []string{"email"}, testLogger(),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithHeartbeat(s, time.Minute, 40*time.Millisecond),
	)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := s.GetHealth(ctx, w.ID())
		return err == nil
	})
	if err := w.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := s.GetHealth(ctx, w.ID())
		return errors.Is(err, stride.ErrWorkerNotFound)
	})
}

func TestWorker_StartIsIdempotent(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	w := worker.New(q, reg, nil, testLogger(), worker.WithPollInterval(5*time.Millisecond))
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
