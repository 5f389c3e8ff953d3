package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/schedule"
	"github.com/davidhopkirk/stride/scheduler"
	"github.com/davidhopkirk/stride/store/memory"
	"github.com/davidhopkirk/stride/worker"
)

func newJob(t *testing.T, name string) *scheduler.Job {
	t.Helper()
	j, err := scheduler.NewJob(name, "send-email", schedule.Interval(time.Minute))
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return j
}

func newTask(queueName string, priority int) *queue.Task {
	t := &queue.Task{
		ID:       id.NewTaskID(),
		Queue:    queueName,
		Type:     "send-email",
		Priority: priority,
		State:    queue.StatePending,
	}
	t.Touch(time.Now().UTC())
	return t
}

func TestJobCRUD(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob(t, "nightly-report")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, stride.ErrJobAlreadyExists) {
		t.Fatalf("duplicate create = %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "nightly-report" {
		t.Errorf("Name = %q", got.Name)
	}

	// Reads return copies: mutating the result must not touch the store.
	got.Name = "mutated"
	again, _ := s.GetJob(ctx, j.ID)
	if again.Name != "nightly-report" {
		t.Error("store record was mutated through a read copy")
	}

	j.State = scheduler.StateRunning
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.State != scheduler.StateRunning {
		t.Errorf("State = %q after update", got.State)
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, stride.ErrJobNotFound) {
		t.Fatalf("get after delete = %v, want ErrJobNotFound", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, stride.ErrJobNotFound) {
		t.Fatalf("double delete = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateJob_Missing(t *testing.T) {
	s := memory.New()
	j := newJob(t, "phantom")
	if err := s.UpdateJob(context.Background(), j); !errors.Is(err, stride.ErrJobNotFound) {
		t.Fatalf("update missing = %v, want ErrJobNotFound", err)
	}
}

func TestDueJobs_OrderingAndLimit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(name string, nextRun time.Time, state scheduler.State) *scheduler.Job {
		j := newJob(t, name)
		j.State = state
		j.NextRun = &nextRun
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return j
	}

	mk("second", now.Add(-time.Minute), scheduler.StateScheduled)
	mk("first", now.Add(-time.Hour), scheduler.StateRetrying)
	mk("future", now.Add(time.Hour), scheduler.StateScheduled)
	mk("running", now.Add(-time.Hour), scheduler.StateRunning)
	mk("cancelled", now.Add(-time.Hour), scheduler.StateCancelled)

	due, err := s.DueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due jobs, want 2", len(due))
	}
	if due[0].Name != "first" || due[1].Name != "second" {
		t.Errorf("order = [%s, %s], want earliest first", due[0].Name, due[1].Name)
	}

	limited, _ := s.DueJobs(ctx, now, 1)
	if len(limited) != 1 || limited[0].Name != "first" {
		t.Errorf("limit 1 returned %d jobs", len(limited))
	}
}

func TestListJobs_StateFilter(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	a := newJob(t, "a")
	b := newJob(t, "b")
	b.State = scheduler.StateScheduled
	if err := s.CreateJob(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(ctx, b); err != nil {
		t.Fatal(err)
	}

	scheduled, err := s.ListJobs(ctx, scheduler.ListOpts{State: scheduler.StateScheduled})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].Name != "b" {
		t.Errorf("state filter returned %d jobs", len(scheduled))
	}

	all, _ := s.ListJobs(ctx, scheduler.ListOpts{})
	if len(all) != 2 {
		t.Errorf("unfiltered list returned %d jobs, want 2", len(all))
	}
}

func TestPopReady_PriorityThenFIFO(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	low := newTask("default", 0)
	critical := newTask("default", 10)
	normal := newTask("default", 5)
	normal2 := newTask("default", 5)

	for _, task := range []*queue.Task{low, critical, normal, normal2} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task: %v", err)
		}
		if err := s.PushReady(ctx, task); err != nil {
			t.Fatalf("push ready: %v", err)
		}
	}

	want := []id.TaskID{critical.ID, normal.ID, normal2.ID, low.ID}
	for i, wantID := range want {
		got, err := s.PopReady(ctx, "default")
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if got == nil || got.ID != wantID {
			t.Fatalf("pop %d returned wrong task", i)
		}
	}

	empty, err := s.PopReady(ctx, "default")
	if err != nil || empty != nil {
		t.Fatalf("pop on empty queue = (%v, %v), want (nil, nil)", empty, err)
	}
}

func TestSweepDue_MovesOnlyDueTasks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTask("default", 0)
	future := newTask("default", 0)
	for _, task := range []*queue.Task{due, future} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PushDelayed(ctx, due, now.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.PushDelayed(ctx, future, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	moved, err := s.SweepDue(ctx, "default", now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}

	got, _ := s.PopReady(ctx, "default")
	if got == nil || got.ID != due.ID {
		t.Fatal("due task should be ready after sweep")
	}
	if again, _ := s.PopReady(ctx, "default"); again != nil {
		t.Fatal("future task must stay delayed")
	}
}

func TestSweepDue_KeepsCreationRank(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	// The older task sat in the delayed structure; the newer one was
	// enqueued ready. Same priority, so the earlier creation time wins.
	older := newTask("default", 5)
	older.CreatedAt = now.Add(-time.Minute)
	newer := newTask("default", 5)
	for _, task := range []*queue.Task{older, newer} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PushDelayed(ctx, older, now.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.PushReady(ctx, newer); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SweepDue(ctx, "default", now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := s.PopReady(ctx, "default")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got == nil || got.ID != older.ID {
		t.Fatal("earlier-created task lost the tie-break after sweep")
	}
	if second, _ := s.PopReady(ctx, "default"); second == nil || second.ID != newer.ID {
		t.Fatal("newer task should pop second")
	}
}

func TestRemoveFromQueue(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	task := newTask("default", 0)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.PushReady(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveFromQueue(ctx, task); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if got, _ := s.PopReady(ctx, "default"); got != nil {
		t.Fatal("removed task should not pop")
	}
	// The record itself survives removal from the queue structures.
	if _, err := s.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("record gone after queue removal: %v", err)
	}
}

func TestReserveDedup(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	taskID := id.NewTaskID()

	ok, err := s.ReserveDedup(ctx, "default", "invoice-42", taskID)
	if err != nil || !ok {
		t.Fatalf("first reserve = (%v, %v), want true", ok, err)
	}
	if ok, _ := s.ReserveDedup(ctx, "default", "invoice-42", id.NewTaskID()); ok {
		t.Fatal("second reserve of a live key should fail")
	}

	// Keys are scoped per queue.
	if ok, _ := s.ReserveDedup(ctx, "other", "invoice-42", id.NewTaskID()); !ok {
		t.Fatal("same key on another queue should reserve")
	}

	if err := s.ReleaseDedup(ctx, "default", "invoice-42"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := s.ReserveDedup(ctx, "default", "invoice-42", id.NewTaskID()); !ok {
		t.Fatal("reserve after release should succeed")
	}
}

func TestDeadLetters_CapacityAndOrder(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &queue.DeadLetter{
			ID:       id.NewDeadLetterID(),
			TaskID:   id.NewTaskID(),
			Queue:    "default",
			Type:     "send-email",
			Error:    "boom",
			FailedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.PushDeadLetter(ctx, entry, 3); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	count, err := s.CountDeadLetters(ctx, "default")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want capacity 3", count)
	}

	entries, err := s.ListDeadLetters(ctx, "default", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("listed %d entries, want 3", len(entries))
	}
	// Newest first: the last three pushes survive, most recent on top.
	for i := 1; i < len(entries); i++ {
		if entries[i].FailedAt.After(entries[i-1].FailedAt) {
			t.Fatal("entries not in newest-first order")
		}
	}

	limited, _ := s.ListDeadLetters(ctx, "default", 2)
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d entries", len(limited))
	}
}

func TestProgress(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	taskID := id.NewTaskID()

	if _, err := s.GetProgress(ctx, taskID); !errors.Is(err, stride.ErrProgressNotFound) {
		t.Fatalf("get missing = %v, want ErrProgressNotFound", err)
	}

	p := &queue.Progress{TaskID: taskID, Current: 3, Total: 10, UpdatedAt: time.Now().UTC()}
	if err := s.UpsertProgress(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetProgress(ctx, taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Current != 3 || got.Total != 10 {
		t.Errorf("progress = %d/%d", got.Current, got.Total)
	}
}

func TestExpireTask_EvictsRecord(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	task := newTask("default", 0)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.ExpireTask(ctx, task.ID, 10*time.Millisecond); err != nil {
		t.Fatalf("expire: %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, stride.ErrTaskNotFound) {
		t.Fatalf("get after retention = %v, want ErrTaskNotFound", err)
	}
}

func TestHealth_TTLAndList(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	h := &worker.Health{
		WorkerID:      workerID,
		Status:        worker.StatusIdle,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := s.UpsertHealth(ctx, h, 30*time.Millisecond); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetHealth(ctx, workerID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != worker.StatusIdle {
		t.Errorf("Status = %q", got.Status)
	}
	if all, _ := s.ListHealth(ctx); len(all) != 1 {
		t.Fatalf("list returned %d records, want 1", len(all))
	}

	time.Sleep(60 * time.Millisecond)

	if _, err := s.GetHealth(ctx, workerID); !errors.Is(err, stride.ErrWorkerNotFound) {
		t.Fatalf("get after TTL = %v, want ErrWorkerNotFound", err)
	}
	if all, _ := s.ListHealth(ctx); len(all) != 0 {
		t.Fatalf("list after TTL returned %d records, want 0", len(all))
	}
}
