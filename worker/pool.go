package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
)

// Factory builds a new Worker for the pool. Scale calls it when growing
// the fleet.
type Factory func() *Worker

// Stats is an aggregate snapshot across the pool's workers.
type Stats struct {
	Total     int   `json:"total"`
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Pool manages a fleet of workers over the same queues, supporting
// dynamic scaling. Started workers are "active"; added-but-stopped
// workers are "idle".
type Pool struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[id.WorkerID]*Worker
	started map[id.WorkerID]bool
}

// NewPool creates an empty pool that grows via the factory.
func NewPool(factory Factory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory: factory,
		logger:  logger,
		workers: make(map[id.WorkerID]*Worker),
		started: make(map[id.WorkerID]bool),
	}
}

// AddWorker registers a new worker without starting it and returns its ID.
func (p *Pool) AddWorker() id.WorkerID {
	w := p.factory()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.ID()] = w
	p.started[w.ID()] = false
	return w.ID()
}

// StartWorker starts the identified worker.
func (p *Pool) StartWorker(ctx context.Context, workerID id.WorkerID) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if ok {
		p.started[workerID] = true
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", stride.ErrWorkerNotFound, workerID)
	}
	return w.Start(ctx)
}

// StopWorker stops the identified worker, waiting out in-flight tasks
// until the context expires.
func (p *Pool) StopWorker(ctx context.Context, workerID id.WorkerID) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if ok {
		p.started[workerID] = false
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", stride.ErrWorkerNotFound, workerID)
	}
	return w.Stop(ctx)
}

// StartAll starts every worker in the pool.
func (p *Pool) StartAll(ctx context.Context) error {
	for _, workerID := range p.ids() {
		if err := p.StartWorker(ctx, workerID); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every worker in the pool.
func (p *Pool) StopAll(ctx context.Context) error {
	var firstErr error
	for _, workerID := range p.ids() {
		if err := p.StopWorker(ctx, workerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Scale adjusts the number of running workers to n. Growing starts
// existing idle workers first, then builds new ones; shrinking stops the
// surplus. Stopped workers stay registered for later reuse.
func (p *Pool) Scale(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}

	p.mu.Lock()
	var runningIDs, idleIDs []id.WorkerID
	for workerID, started := range p.started {
		if started {
			runningIDs = append(runningIDs, workerID)
		} else {
			idleIDs = append(idleIDs, workerID)
		}
	}
	p.mu.Unlock()

	running := len(runningIDs)
	switch {
	case n > running:
		need := n - running
		for _, workerID := range idleIDs {
			if need == 0 {
				break
			}
			if err := p.StartWorker(ctx, workerID); err != nil {
				return err
			}
			need--
		}
		for range need {
			workerID := p.AddWorker()
			if err := p.StartWorker(ctx, workerID); err != nil {
				return err
			}
		}
	case n < running:
		for _, workerID := range runningIDs[:running-n] {
			if err := p.StopWorker(ctx, workerID); err != nil {
				return err
			}
		}
	}

	p.logger.Info("pool scaled", slog.Int("target", n), slog.Int("previous", running))
	return nil
}

// Stats returns an aggregate snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.workers)}
	for workerID, w := range p.workers {
		if p.started[workerID] {
			s.Active++
		} else {
			s.Idle++
		}
		s.InFlight += w.ActiveTasks()
		s.Completed += w.TasksCompleted()
		s.Failed += w.TasksFailed()
	}
	return s
}

// Workers returns all registered workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	return ws
}

func (p *Pool) ids() []id.WorkerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]id.WorkerID, 0, len(p.workers))
	for workerID := range p.workers {
		out = append(out, workerID)
	}
	return out
}
