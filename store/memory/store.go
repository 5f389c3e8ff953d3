// Package memory provides a fully in-memory store backend.
// Safe for concurrent access. Intended for unit testing, development,
// and single-process deployments that need no durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/lock"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
	"github.com/davidhopkirk/stride/worker"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ scheduler.Store    = (*Store)(nil)
	_ queue.Store        = (*Store)(nil)
	_ lock.Store         = (*Store)(nil)
	_ worker.HealthStore = (*Store)(nil)
)

// rankedTask is a ready-structure entry: lower score pops first.
type rankedTask struct {
	taskID id.TaskID
	score  float64
}

// delayedTask is a delayed-structure entry ordered by due time.
type delayedTask struct {
	taskID id.TaskID
	due    time.Time
}

type lockEntry struct {
	token   string
	expires time.Time
}

type healthEntry struct {
	health  worker.Health
	expires time.Time
}

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	jobs map[string]*scheduler.Job

	tasks      map[string]*queue.Task
	taskExpiry map[string]time.Time
	ready      map[string][]rankedTask
	delayed    map[string][]delayedTask
	dedup      map[string]string // "queue\x00key" -> task ID
	dead       map[string][]*queue.DeadLetter
	progress   map[string]*queue.Progress

	locks  map[string]lockEntry
	health map[string]healthEntry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*scheduler.Job),
		tasks:      make(map[string]*queue.Task),
		taskExpiry: make(map[string]time.Time),
		ready:      make(map[string][]rankedTask),
		delayed:    make(map[string][]delayedTask),
		dedup:      make(map[string]string),
		dead:       make(map[string][]*queue.DeadLetter),
		progress:   make(map[string]*queue.Progress),
		locks:      make(map[string]lockEntry),
		health:     make(map[string]healthEntry),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Scheduler job store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return stride.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*scheduler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, stride.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *scheduler.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return stride.ErrJobNotFound
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return stride.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (m *Store) ListJobs(_ context.Context, opts scheduler.ListOpts) ([]*scheduler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*scheduler.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		cp := *j
		jobs = append(jobs, &cp)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// DueJobs returns up to limit scheduled or retrying jobs with NextRun at
// or before now, earliest first.
func (m *Store) DueJobs(_ context.Context, now time.Time, limit int) ([]*scheduler.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*scheduler.Job
	for _, j := range m.jobs {
		if j.State != scheduler.StateScheduled && j.State != scheduler.StateRetrying {
			continue
		}
		if j.NextRun == nil || j.NextRun.After(now) {
			continue
		}
		cp := *j
		due = append(due, &cp)
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].NextRun.Before(*due[k].NextRun)
	})

	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

// ──────────────────────────────────────────────────
// Task queue store
// ──────────────────────────────────────────────────

// taskScore ranks ready tasks: negated priority so higher priority pops
// first, with a fractional creation-time component so equal priorities
// pop earliest-created first. Delayed and retried tasks keep their
// original rank when they become ready.
func taskScore(priority int, createdAt time.Time) float64 {
	return float64(-priority) + float64(createdAt.UnixMilli())/1e15
}

// evictExpired drops task records whose retention window has passed.
// Called under the lock by readers.
func (m *Store) evictExpired(now time.Time) {
	for key, at := range m.taskExpiry {
		if at.Before(now) {
			delete(m.tasks, key)
			delete(m.taskExpiry, key)
			delete(m.progress, key)
		}
	}
}

// CreateTask persists a new task record.
func (m *Store) CreateTask(_ context.Context, t *queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return stride.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*queue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(time.Now().UTC())

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, stride.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return stride.ErrTaskNotFound
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// ExpireTask schedules the task record for eviction after ttl.
func (m *Store) ExpireTask(_ context.Context, taskID id.TaskID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := taskID.String()
	if _, ok := m.tasks[key]; !ok {
		return stride.ErrTaskNotFound
	}
	m.taskExpiry[key] = time.Now().UTC().Add(ttl)
	return nil
}

// PushReady inserts the task into its queue's ready structure.
func (m *Store) PushReady(_ context.Context, t *queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready[t.Queue] = append(m.ready[t.Queue], rankedTask{
		taskID: t.ID,
		score:  taskScore(t.Priority, t.CreatedAt),
	})
	return nil
}

// PushDelayed inserts the task into its queue's delayed structure.
func (m *Store) PushDelayed(_ context.Context, t *queue.Task, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delayed[t.Queue] = append(m.delayed[t.Queue], delayedTask{taskID: t.ID, due: until})
	return nil
}

// SweepDue moves now-due delayed tasks into the ready structure.
func (m *Store) SweepDue(_ context.Context, q string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []delayedTask
	moved := 0
	for _, d := range m.delayed[q] {
		if d.due.After(now) {
			kept = append(kept, d)
			continue
		}
		priority := 0
		createdAt := now
		if t, ok := m.tasks[d.taskID.String()]; ok {
			priority = t.Priority
			createdAt = t.CreatedAt
		}
		m.ready[q] = append(m.ready[q], rankedTask{
			taskID: d.taskID,
			score:  taskScore(priority, createdAt),
		})
		moved++
	}
	m.delayed[q] = kept
	return moved, nil
}

// PopReady removes and returns the highest-ranked ready task, or
// (nil, nil) when the queue is empty.
func (m *Store) PopReady(_ context.Context, q string) (*queue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(time.Now().UTC())

	entries := m.ready[q]
	for len(entries) > 0 {
		best := 0
		for i := 1; i < len(entries); i++ {
			if entries[i].score < entries[best].score {
				best = i
			}
		}
		taskID := entries[best].taskID
		entries = append(entries[:best], entries[best+1:]...)

		t, ok := m.tasks[taskID.String()]
		if !ok {
			// Record evicted while queued; skip the dangling entry.
			continue
		}
		m.ready[q] = entries
		cp := *t
		return &cp, nil
	}
	m.ready[q] = entries
	return nil, nil
}

// RemoveFromQueue removes the task from both the ready and delayed
// structures. The task record itself is untouched.
func (m *Store) RemoveFromQueue(_ context.Context, t *queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []rankedTask
	for _, r := range m.ready[t.Queue] {
		if r.taskID != t.ID {
			ready = append(ready, r)
		}
	}
	m.ready[t.Queue] = ready

	var delayed []delayedTask
	for _, d := range m.delayed[t.Queue] {
		if d.taskID != t.ID {
			delayed = append(delayed, d)
		}
	}
	m.delayed[t.Queue] = delayed
	return nil
}

func dedupKey(q, key string) string { return q + "\x00" + key }

// ReserveDedup atomically reserves the dedup key for taskID.
func (m *Store) ReserveDedup(_ context.Context, q, key string, taskID id.TaskID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := dedupKey(q, key)
	if _, held := m.dedup[k]; held {
		return false, nil
	}
	m.dedup[k] = taskID.String()
	return true, nil
}

// ReleaseDedup frees the dedup key reservation.
func (m *Store) ReleaseDedup(_ context.Context, q, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, dedupKey(q, key))
	return nil
}

// PushDeadLetter appends the entry, newest first, evicting beyond capacity.
func (m *Store) PushDeadLetter(_ context.Context, entry *queue.DeadLetter, capacity int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	entries := append([]*queue.DeadLetter{&cp}, m.dead[entry.Queue]...)
	if capacity > 0 && int64(len(entries)) > capacity {
		entries = entries[:capacity]
	}
	m.dead[entry.Queue] = entries
	return nil
}

// ListDeadLetters returns up to limit entries, newest first.
func (m *Store) ListDeadLetters(_ context.Context, q string, limit int64) ([]*queue.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.dead[q]
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]*queue.DeadLetter, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// CountDeadLetters returns the number of dead letter entries.
func (m *Store) CountDeadLetters(_ context.Context, q string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dead[q])), nil
}

// UpsertProgress creates or replaces the progress record for a task.
func (m *Store) UpsertProgress(_ context.Context, p *queue.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.progress[p.TaskID.String()] = &cp
	return nil
}

// GetProgress retrieves the progress record for a task.
func (m *Store) GetProgress(_ context.Context, taskID id.TaskID) (*queue.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[taskID.String()]
	if !ok {
		return nil, stride.ErrProgressNotFound
	}
	cp := *p
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Lock store
// ──────────────────────────────────────────────────

// AcquireLock sets the lock to token with the given expiry if absent or
// expired. Returns false on contention.
func (m *Store) AcquireLock(_ context.Context, resource, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, held := m.locks[resource]; held && e.expires.After(now) {
		return false, nil
	}
	m.locks[resource] = lockEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

// ExtendLock re-arms the expiry only if the stored token matches.
func (m *Store) ExtendLock(_ context.Context, resource, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, held := m.locks[resource]
	if !held || !e.expires.After(now) || e.token != token {
		return false, nil
	}
	m.locks[resource] = lockEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLock deletes the lock only if the stored token matches.
func (m *Store) ReleaseLock(_ context.Context, resource, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.locks[resource]
	if !held || !e.expires.After(time.Now()) || e.token != token {
		return false, nil
	}
	delete(m.locks, resource)
	return true, nil
}

// ──────────────────────────────────────────────────
// Worker health store
// ──────────────────────────────────────────────────

// UpsertHealth writes the worker's health record with an expiry.
func (m *Store) UpsertHealth(_ context.Context, h *worker.Health, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health[h.WorkerID.String()] = healthEntry{
		health:  *h,
		expires: time.Now().UTC().Add(ttl),
	}
	return nil
}

// GetHealth retrieves one worker's health record.
func (m *Store) GetHealth(_ context.Context, workerID id.WorkerID) (*worker.Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.health[workerID.String()]
	if !ok || e.expires.Before(time.Now().UTC()) {
		return nil, stride.ErrWorkerNotFound
	}
	cp := e.health
	return &cp, nil
}

// ListHealth returns all unexpired health records.
func (m *Store) ListHealth(_ context.Context) ([]*worker.Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	out := make([]*worker.Health, 0, len(m.health))
	for key, e := range m.health {
		if e.expires.Before(now) {
			delete(m.health, key)
			continue
		}
		cp := e.health
		out = append(out, &cp)
	}
	return out, nil
}
