// Package store defines the aggregate persistence interface.
//
// Each subsystem (scheduler, queue, lock, worker health) defines its own
// store interface. The composite [Store] composes them all. A single
// backend need only implement Store to satisfy every subsystem's
// persistence contract.
//
// The composite interface:
//
//	type Store interface {
//	    scheduler.Store
//	    queue.Store
//	    lock.Store
//	    worker.HealthStore
//
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory: in-memory store for development and testing
//   - store/redis: Redis backend for shared multi-process deployments
//
// # Usage
//
//	import redisstore "github.com/davidhopkirk/stride/store/redis"
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
