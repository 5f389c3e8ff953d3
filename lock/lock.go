// Package lock provides a store-backed distributed mutex scoped by
// resource name. Acquisition is non-blocking and every handle carries a
// random token, so only the process that took a lock can extend or
// release it. The TTL bounds the damage of a crashed holder.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store defines the atomic primitives the locker needs from a backend.
type Store interface {
	// AcquireLock atomically sets the lock key to token with the given
	// expiry, only if the key is absent. Returns false on contention.
	AcquireLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)

	// ExtendLock re-arms the expiry only if the stored token matches.
	ExtendLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lock key only if the stored token matches.
	ReleaseLock(ctx context.Context, resource, token string) (bool, error)
}

// Handle proves ownership of an acquired lock.
type Handle struct {
	resource string
	token    string
	ttl      time.Duration
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.resource }

// Token returns the fencing token stored under the lock key.
func (h *Handle) Token() string { return h.token }

// TTL returns the expiry the lock was acquired (or last extended) with.
func (h *Handle) TTL() time.Duration { return h.ttl }

// Locker acquires, extends, and releases distributed locks.
type Locker struct {
	store  Store
	logger *slog.Logger
}

// New creates a Locker over the given store.
func New(store Store, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{store: store, logger: logger}
}

// Acquire attempts to take the lock for resource with the given TTL.
// It never blocks: on contention it returns (nil, nil) and the caller is
// expected to retry on its next cycle.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()

	ok, err := l.store.AcquireLock(ctx, resource, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("stride/lock: acquire %q: %w", resource, err)
	}
	if !ok {
		return nil, nil
	}

	l.logger.Debug("lock acquired",
		slog.String("resource", resource),
		slog.Duration("ttl", ttl),
	)
	return &Handle{resource: resource, token: token, ttl: ttl}, nil
}

// Extend re-arms the handle's TTL. Returns false when the lock has
// expired or is now held by someone else; the holder must then assume it
// lost mutual exclusion.
func (l *Locker) Extend(ctx context.Context, h *Handle) (bool, error) {
	ok, err := l.store.ExtendLock(ctx, h.resource, h.token, h.ttl)
	if err != nil {
		return false, fmt.Errorf("stride/lock: extend %q: %w", h.resource, err)
	}
	return ok, nil
}

// Release gives up the lock. Returns false when the stored token no
// longer matches (the lock expired and was reacquired elsewhere); that is
// not an error, just a fact to log.
func (l *Locker) Release(ctx context.Context, h *Handle) (bool, error) {
	ok, err := l.store.ReleaseLock(ctx, h.resource, h.token)
	if err != nil {
		return false, fmt.Errorf("stride/lock: release %q: %w", h.resource, err)
	}
	if !ok {
		l.logger.Warn("lock already lost at release",
			slog.String("resource", h.resource),
		)
	}
	return ok, nil
}

// KeepAlive extends the handle every ttl/2 until the returned stop
// function is called or the context is cancelled. Holders of work that
// may outlast the TTL should run this, otherwise the lock can expire
// mid-execution and permit a second concurrent run.
func (l *Locker) KeepAlive(ctx context.Context, h *Handle) (stop func()) {
	done := make(chan struct{})

	interval := h.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Extend(ctx, h)
				if err != nil {
					l.logger.Warn("lock keepalive error",
						slog.String("resource", h.resource),
						slog.String("error", err.Error()),
					)
					continue
				}
				if !ok {
					l.logger.Warn("lock lost during keepalive",
						slog.String("resource", h.resource),
					)
					return
				}
			}
		}
	}()

	return func() { close(done) }
}
