// Package stride provides distributed job scheduling and queueing for Go.
// It coordinates multiple cooperating processes through an external shared
// store, offering recurring schedules, a priority queue with deduplication
// and delayed delivery, bounded worker pools, and store-backed distributed
// locks.
//
// Stride is designed as a library, not a service. Import it, configure a
// store backend, and register executors or handlers as ordinary Go values.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New(), stride.DefaultConfig(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng.RegisterHandler("send-email", worker.HandlerFunc(sendEmail))
//	if err := eng.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
//	taskID, err := engine.Enqueue(ctx, eng, "send-email", EmailPayload{To: "ops@example.com"})
//
// Subsystems can also be wired directly when an application needs only
// one of them; see the queue, scheduler, and worker packages.
//
// # Architecture
//
// Stride follows a composable store pattern where each subsystem
// (scheduler, queue, lock, worker) defines its own store interface.
// A single backend (Redis, memory) implements all of them.
//
// The design guarantees at-most-one-concurrent, at-least-once-eventually
// execution: distributed locks prevent two schedulers from running the
// same job simultaneously, and retry/dead-letter policy ensures failed
// work is never silently dropped.
package stride
