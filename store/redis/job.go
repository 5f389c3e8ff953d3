package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/schedule"
	"github.com/davidhopkirk/stride/scheduler"
)

// CreateJob stores the job as a Hash and indexes it for due queries.
func (s *Store) CreateJob(ctx context.Context, j *scheduler.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stride/redis: create job exists: %w", err)
	}
	if exists > 0 {
		return stride.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	indexDue(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*scheduler.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job, keeping the due index
// consistent with the job's NextRun and state.
func (s *Store) UpdateJob(ctx context.Context, j *scheduler.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stride/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return stride.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.NextRun == nil {
		// Clear the stale field so a terminal job never re-arms on read.
		pipe.HDel(ctx, key, "next_run")
	}
	pipe.ZRem(ctx, dueKey, jID)
	indexDue(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stride/redis: delete job exists: %w", err)
	}
	if exists == 0 {
		return stride.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, dueKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: delete job: %w", err)
	}
	return nil
}

// ListJobs returns jobs matching the given options.
func (s *Store) ListJobs(ctx context.Context, opts scheduler.ListOpts) ([]*scheduler.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("stride/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*scheduler.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		jobs = append(jobs, j)
		if opts.Limit > 0 && len(jobs) >= opts.Limit {
			break
		}
	}
	return jobs, nil
}

// DueJobs returns up to limit armed jobs with NextRun at or before now,
// earliest first, straight off the due Sorted Set.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*scheduler.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stride/redis: due jobs zrange: %w", err)
	}

	jobs := make([]*scheduler.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			// Index entry outlived the record; drop it.
			s.client.ZRem(ctx, dueKey, jID)
			continue
		}
		if j.State != scheduler.StateScheduled && j.State != scheduler.StateRetrying {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ── helpers ──

// indexDue adds the job to the due Sorted Set when it is armed.
func indexDue(ctx context.Context, pipe goredis.Pipeliner, j *scheduler.Job) {
	if j.NextRun == nil {
		return
	}
	if j.State != scheduler.StateScheduled && j.State != scheduler.StateRetrying {
		return
	}
	pipe.ZAdd(ctx, dueKey, goredis.Z{
		Score:  float64(j.NextRun.UnixMilli()),
		Member: j.ID.String(),
	})
}

func jobToMap(j *scheduler.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":          j.ID.String(),
		"name":        j.Name,
		"type":        j.Type,
		"schedule":    marshalJSON(j.Schedule),
		"priority":    strconv.Itoa(j.Priority),
		"state":       string(j.State),
		"payload":     string(j.Payload),
		"retry_count": strconv.Itoa(j.RetryCount),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"timeout":     strconv.FormatInt(int64(j.Timeout), 10),
		"last_error":  j.LastError,
		"tags":        marshalJSON(j.Tags),
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.NextRun != nil {
		m["next_run"] = j.NextRun.Format(time.RFC3339Nano)
	}
	if j.LastRun != nil {
		m["last_run"] = j.LastRun.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*scheduler.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("stride/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, stride.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*scheduler.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("stride/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])      //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	var sched schedule.Schedule
	_ = json.Unmarshal([]byte(m["schedule"]), &sched) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &scheduler.Job{
		Entity: stride.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         jID,
		Name:       m["name"],
		Type:       m["type"],
		Schedule:   sched,
		Priority:   priority,
		State:      scheduler.State(m["state"]),
		Payload:    []byte(m["payload"]),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Timeout:    time.Duration(timeout),
		LastError:  m["last_error"],
		Tags:       unmarshalStrings(m["tags"]),
	}

	if v := m["next_run"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.NextRun = &t
	}
	if v := m["last_run"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.LastRun = &t
	}
	return j, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
