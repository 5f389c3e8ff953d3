package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/queue"
)

// taskScore ranks ready tasks: negated priority so higher priority pops
// first, with a fractional creation-time component so equal priorities
// pop earliest-created first. Delayed and retried tasks keep their
// original rank when they become ready.
func taskScore(priority int, createdAt time.Time) float64 {
	return float64(-priority) + float64(createdAt.UnixMilli())/1e15
}

// CreateTask stores the task as a Hash.
func (s *Store) CreateTask(ctx context.Context, t *queue.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stride/redis: create task exists: %w", err)
	}
	if exists > 0 {
		return stride.ErrTaskAlreadyExists
	}

	if err := s.client.HSet(ctx, key, taskToMap(t)).Err(); err != nil {
		return fmt.Errorf("stride/redis: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*queue.Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(taskID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("stride/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, stride.ErrTaskNotFound
	}
	return mapToTask(vals)
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *queue.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stride/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return stride.ErrTaskNotFound
	}

	fields := taskToMap(t)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if t.StartedAt == nil {
		pipe.HDel(ctx, key, "started_at")
	}
	if t.DelayUntil == nil {
		pipe.HDel(ctx, key, "delay_until")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: update task: %w", err)
	}
	return nil
}

// ExpireTask lets the task record (and its progress) lapse after ttl.
func (s *Store) ExpireTask(ctx context.Context, taskID id.TaskID, ttl time.Duration) error {
	tID := taskID.String()
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, taskKey(tID), ttl)
	pipe.Expire(ctx, progressKey(tID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: expire task: %w", err)
	}
	return nil
}

// PushReady inserts the task into its queue's ready Sorted Set.
func (s *Store) PushReady(ctx context.Context, t *queue.Task) error {
	err := s.client.ZAdd(ctx, readyKey(t.Queue), goredis.Z{
		Score:  taskScore(t.Priority, t.CreatedAt),
		Member: t.ID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("stride/redis: push ready: %w", err)
	}
	return nil
}

// PushDelayed inserts the task into its queue's delayed Sorted Set,
// scored by due time.
func (s *Store) PushDelayed(ctx context.Context, t *queue.Task, until time.Time) error {
	err := s.client.ZAdd(ctx, delayedKey(t.Queue), goredis.Z{
		Score:  float64(until.UnixMilli()),
		Member: t.ID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("stride/redis: push delayed: %w", err)
	}
	return nil
}

// SweepDue moves now-due tasks from the delayed Sorted Set into the
// ready Sorted Set.
func (s *Store) SweepDue(ctx context.Context, q string, now time.Time) (int, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, delayedKey(q), &goredis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("stride/redis: sweep zrange: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	moved := 0
	for _, tID := range ids {
		priority := 0
		createdAt := now
		if vals, hErr := s.client.HMGet(ctx, taskKey(tID), "priority", "created_at").Result(); hErr == nil {
			if v, ok := vals[0].(string); ok {
				priority, _ = strconv.Atoi(v) //nolint:errcheck // best-effort parse from trusted Redis data
			}
			if v, ok := vals[1].(string); ok {
				if ts, tErr := time.Parse(time.RFC3339Nano, v); tErr == nil {
					createdAt = ts
				}
			}
		}

		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(q), tID)
		pipe.ZAdd(ctx, readyKey(q), goredis.Z{
			Score:  taskScore(priority, createdAt),
			Member: tID,
		})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return moved, fmt.Errorf("stride/redis: sweep move: %w", pErr)
		}
		moved++
	}
	return moved, nil
}

// PopReady removes and returns the highest-ranked ready task, or
// (nil, nil) when the queue is empty.
func (s *Store) PopReady(ctx context.Context, q string) (*queue.Task, error) {
	for {
		members, err := s.client.ZPopMin(ctx, readyKey(q), 1).Result()
		if err != nil {
			return nil, fmt.Errorf("stride/redis: pop ready: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		tID, ok := members[0].Member.(string)
		if !ok {
			continue
		}

		taskID, parseErr := id.ParseTaskID(tID)
		if parseErr != nil {
			continue
		}
		t, getErr := s.GetTask(ctx, taskID)
		if errors.Is(getErr, stride.ErrTaskNotFound) {
			// Record expired while queued; skip the dangling entry.
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		return t, nil
	}
}

// RemoveFromQueue removes the task from both the ready and delayed
// Sorted Sets. The task record itself is untouched.
func (s *Store) RemoveFromQueue(ctx context.Context, t *queue.Task) error {
	tID := t.ID.String()
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, readyKey(t.Queue), tID)
	pipe.ZRem(ctx, delayedKey(t.Queue), tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: remove from queue: %w", err)
	}
	return nil
}

// ReserveDedup atomically reserves the dedup key via SETNX. The
// reservation has no expiry; it is held until explicitly released at
// task completion, cancellation, or dead-lettering.
func (s *Store) ReserveDedup(ctx context.Context, q, key string, taskID id.TaskID) (bool, error) {
	ok, err := s.client.SetNX(ctx, dedupKey(q, key), taskID.String(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("stride/redis: reserve dedup: %w", err)
	}
	return ok, nil
}

// ReleaseDedup frees the dedup key reservation.
func (s *Store) ReleaseDedup(ctx context.Context, q, key string) error {
	if err := s.client.Del(ctx, dedupKey(q, key)).Err(); err != nil {
		return fmt.Errorf("stride/redis: release dedup: %w", err)
	}
	return nil
}

// PushDeadLetter prepends the entry to the queue's dead letter List and
// trims the oldest entries beyond capacity.
func (s *Store) PushDeadLetter(ctx context.Context, entry *queue.DeadLetter, capacity int64) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("stride/redis: marshal dead letter: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, dlqKey(entry.Queue), raw)
	if capacity > 0 {
		pipe.LTrim(ctx, dlqKey(entry.Queue), 0, capacity-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns up to limit entries, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, q string, limit int64) ([]*queue.DeadLetter, error) {
	end := limit - 1
	if limit <= 0 {
		end = -1 // full range
	}
	raws, err := s.client.LRange(ctx, dlqKey(q), 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("stride/redis: list dead letters: %w", err)
	}

	entries := make([]*queue.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var e queue.DeadLetter
		if uErr := json.Unmarshal([]byte(raw), &e); uErr != nil {
			continue // skip corrupt entries
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// CountDeadLetters returns the size of a queue's dead letter List.
func (s *Store) CountDeadLetters(ctx context.Context, q string) (int64, error) {
	n, err := s.client.LLen(ctx, dlqKey(q)).Result()
	if err != nil {
		return 0, fmt.Errorf("stride/redis: count dead letters: %w", err)
	}
	return n, nil
}

// UpsertProgress stores the progress record as JSON.
func (s *Store) UpsertProgress(ctx context.Context, p *queue.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("stride/redis: marshal progress: %w", err)
	}
	if err := s.client.Set(ctx, progressKey(p.TaskID.String()), raw, 0).Err(); err != nil {
		return fmt.Errorf("stride/redis: upsert progress: %w", err)
	}
	return nil
}

// GetProgress retrieves the progress record for a task.
func (s *Store) GetProgress(ctx context.Context, taskID id.TaskID) (*queue.Progress, error) {
	raw, err := s.client.Get(ctx, progressKey(taskID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, stride.ErrProgressNotFound
		}
		return nil, fmt.Errorf("stride/redis: get progress: %w", err)
	}

	var p queue.Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("stride/redis: unmarshal progress: %w", err)
	}
	return &p, nil
}

// ── helpers ──

func taskToMap(t *queue.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":          t.ID.String(),
		"queue":       t.Queue,
		"type":        t.Type,
		"priority":    strconv.Itoa(t.Priority),
		"payload":     string(t.Payload),
		"dedup_key":   t.DedupKey,
		"retry_count": strconv.Itoa(t.RetryCount),
		"max_retries": strconv.Itoa(t.MaxRetries),
		"timeout":     strconv.FormatInt(int64(t.Timeout), 10),
		"state":       string(t.State),
		"last_error":  t.LastError,
		"metadata":    marshalJSON(t.Metadata),
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.DelayUntil != nil {
		m["delay_until"] = t.DelayUntil.Format(time.RFC3339Nano)
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToTask(m map[string]string) (*queue.Task, error) {
	taskID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("stride/redis: parse task id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])      //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &queue.Task{
		Entity: stride.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         taskID,
		Queue:      m["queue"],
		Type:       m["type"],
		Priority:   priority,
		Payload:    []byte(m["payload"]),
		DedupKey:   m["dedup_key"],
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Timeout:    time.Duration(timeout),
		State:      queue.State(m["state"]),
		LastError:  m["last_error"],
		Metadata:   unmarshalMap(m["metadata"]),
	}

	if v := m["delay_until"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.DelayUntil = &ts
	}
	if v := m["started_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.StartedAt = &ts
	}
	if v := m["completed_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.CompletedAt = &ts
	}
	return t, nil
}
