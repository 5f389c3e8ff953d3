// Package store defines the aggregate persistence interface. Each
// subsystem (scheduler, queue, lock, worker health) defines its own
// store interface; the composite Store composes them all, so a single
// backend implements every subsystem's persistence contract.
package store

import (
	"context"

	"github.com/davidhopkirk/stride/lock"
	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
	"github.com/davidhopkirk/stride/worker"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (redis, memory) implements all of them.
type Store interface {
	scheduler.Store
	queue.Store
	lock.Store
	worker.HealthStore

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
