package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/worker"
)

func newPool(t *testing.T) (*worker.Pool, *queue.Queue) {
	t.Helper()
	q, reg, _ := newFixture(t)
	factory := func() *worker.Worker {
		return worker.New(q, reg, nil, testLogger(), worker.WithPollInterval(5*time.Millisecond))
	}
	return worker.NewPool(factory, testLogger()), q
}

func TestPool_AddStartStop(t *testing.T) {
	p, _ := newPool(t)
	ctx := context.Background()

	workerID := p.AddWorker()
	if stats := p.Stats(); stats.Total != 1 || stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("stats after add = %+v", stats)
	}

	if err := p.StartWorker(ctx, workerID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if stats := p.Stats(); stats.Active != 1 || stats.Idle != 0 {
		t.Fatalf("stats after start = %+v", stats)
	}

	if err := p.StopWorker(ctx, workerID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopped workers stay registered as idle.
	if stats := p.Stats(); stats.Total != 1 || stats.Idle != 1 {
		t.Fatalf("stats after stop = %+v", stats)
	}
}

func TestPool_UnknownWorker(t *testing.T) {
	p, _ := newPool(t)
	ctx := context.Background()

	if err := p.StartWorker(ctx, id.NewWorkerID()); !errors.Is(err, stride.ErrWorkerNotFound) {
		t.Fatalf("start unknown = %v, want ErrWorkerNotFound", err)
	}
	if err := p.StopWorker(ctx, id.NewWorkerID()); !errors.Is(err, stride.ErrWorkerNotFound) {
		t.Fatalf("stop unknown = %v, want ErrWorkerNotFound", err)
	}
}

func TestPool_Scale(t *testing.T) {
	p, _ := newPool(t)
	ctx := context.Background()
	defer p.StopAll(ctx)

	if err := p.Scale(ctx, 3); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if stats := p.Stats(); stats.Total != 3 || stats.Active != 3 {
		t.Fatalf("stats after scale to 3 = %+v", stats)
	}

	if err := p.Scale(ctx, 1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	// Shrinking stops workers but keeps them registered for reuse.
	if stats := p.Stats(); stats.Total != 3 || stats.Active != 1 || stats.Idle != 2 {
		t.Fatalf("stats after scale to 1 = %+v", stats)
	}

	// Growing again reuses the idle workers before building new ones.
	if err := p.Scale(ctx, 2); err != nil {
		t.Fatalf("scale back up: %v", err)
	}
	if stats := p.Stats(); stats.Total != 3 || stats.Active != 2 {
		t.Fatalf("stats after scale to 2 = %+v", stats)
	}

	if err := p.Scale(ctx, -1); err != nil {
		t.Fatalf("scale negative: %v", err)
	}
	if stats := p.Stats(); stats.Active != 0 {
		t.Fatalf("stats after scale to -1 = %+v", stats)
	}
}

func TestPool_StartAllStopAll(t *testing.T) {
	p, _ := newPool(t)
	ctx := context.Background()

	p.AddWorker()
	p.AddWorker()

	if err := p.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if stats := p.Stats(); stats.Active != 2 {
		t.Fatalf("stats after start all = %+v", stats)
	}
	if err := p.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if stats := p.Stats(); stats.Active != 0 || stats.Idle != 2 {
		t.Fatalf("stats after stop all = %+v", stats)
	}
}

func TestPool_StatsAggregateCounters(t *testing.T) {
	q, reg, _ := newFixture(t)
	ctx := context.Background()

	var runs atomic.Int64
	reg.Register("send-email", worker.HandlerFunc(func(context.Context, []byte) error {
		runs.Add(1)
		return nil
	}))

	factory := func() *worker.Worker {
		return worker.New(q, reg, nil, testLogger(), worker.WithPollInterval(5*time.Millisecond))
	}
	p := worker.NewPool(factory, testLogger())
	if err := p.Scale(ctx, 2); err != nil {
		t.Fatal(err)
	}
	defer p.StopAll(ctx)

	const tasks = 5
	for i := 0; i < tasks; i++ {
		if _, err := q.Enqueue(ctx, &queue.Task{Type: "send-email"}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return p.Stats().Completed == tasks })

	stats := p.Stats()
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}
	if len(p.Workers()) != 2 {
		t.Errorf("Workers() returned %d, want 2", len(p.Workers()))
	}
}
