// Package redis implements store.Store using Redis for shared
// multi-process deployments. Jobs and tasks are stored as Hashes, the
// ready and delayed queues are Sorted Sets, dead letters are bounded
// Lists, and locks are plain keys guarded by compare-token scripts.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/davidhopkirk/stride/lock"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
	"github.com/davidhopkirk/stride/worker"
)

// Compile-time interface checks.
var (
	_ scheduler.Store    = (*Store)(nil)
	_ queue.Store        = (*Store)(nil)
	_ lock.Store         = (*Store)(nil)
	_ worker.HealthStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
