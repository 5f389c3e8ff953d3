package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/worker"
)

// UpsertHealth writes the worker's health record as JSON with a TTL, so
// crashed workers eventually disappear from listings.
func (s *Store) UpsertHealth(ctx context.Context, h *worker.Health, ttl time.Duration) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("stride/redis: marshal health: %w", err)
	}

	wID := h.WorkerID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, healthKey(wID), raw, ttl)
	pipe.SAdd(ctx, healthIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stride/redis: upsert health: %w", err)
	}
	return nil
}

// GetHealth retrieves one worker's health record.
func (s *Store) GetHealth(ctx context.Context, workerID id.WorkerID) (*worker.Health, error) {
	raw, err := s.client.Get(ctx, healthKey(workerID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, stride.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("stride/redis: get health: %w", err)
	}

	var h worker.Health
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("stride/redis: unmarshal health: %w", err)
	}
	return &h, nil
}

// ListHealth returns all live health records, pruning index entries
// whose records have expired.
func (s *Store) ListHealth(ctx context.Context) ([]*worker.Health, error) {
	ids, err := s.client.SMembers(ctx, healthIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("stride/redis: list health smembers: %w", err)
	}

	out := make([]*worker.Health, 0, len(ids))
	for _, wID := range ids {
		raw, getErr := s.client.Get(ctx, healthKey(wID)).Result()
		if errors.Is(getErr, goredis.Nil) {
			s.client.SRem(ctx, healthIDsKey, wID)
			continue
		}
		if getErr != nil {
			return nil, fmt.Errorf("stride/redis: list health get: %w", getErr)
		}

		var h worker.Health
		if uErr := json.Unmarshal([]byte(raw), &h); uErr != nil {
			continue // skip corrupt entries
		}
		out = append(out, &h)
	}
	return out, nil
}
