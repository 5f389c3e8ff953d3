package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig defines per-queue dispatch limits enforced locally by a
// worker pool: a token-bucket rate and a concurrency ceiling.
type LimitConfig struct {
	// Queue is the queue name this config applies to.
	Queue string

	// MaxConcurrency limits how many tasks from this queue may run
	// simultaneously in the local pool. Zero means no queue-specific
	// limit (the worker-wide permit still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained dispatches per second from
	// this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token bucket. Defaults to 1
	// when RateLimit is set but RateBurst is zero.
	RateBurst int
}

// limitState tracks runtime state for a single queue.
type limitState struct {
	config  LimitConfig
	limiter *rate.Limiter
	active  int
}

// Limiter controls per-queue dispatch rate and concurrency.
// It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	queues map[string]*limitState
}

// NewLimiter creates a Limiter with the given configurations. Queues not
// listed have no limits.
func NewLimiter(configs ...LimitConfig) *Limiter {
	l := &Limiter{queues: make(map[string]*limitState, len(configs))}
	for _, cfg := range configs {
		l.queues[cfg.Queue] = newLimitState(cfg)
	}
	return l
}

func newLimitState(cfg LimitConfig) *limitState {
	ls := &limitState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ls
}

// Acquire checks the rate and concurrency limits for the queue. If the
// dispatch may proceed it increments the active counter and returns
// true. The caller MUST call Release when the task completes.
func (l *Limiter) Acquire(queue string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ls := l.queues[queue]
	if ls == nil {
		return true
	}
	// Concurrency is checked first so a concurrency denial does not
	// consume a rate token.
	if ls.config.MaxConcurrency > 0 && ls.active >= ls.config.MaxConcurrency {
		return false
	}
	if ls.limiter != nil && !ls.limiter.Allow() {
		return false
	}
	ls.active++
	return true
}

// Release decrements the active count for the queue.
func (l *Limiter) Release(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls := l.queues[queue]; ls != nil && ls.active > 0 {
		ls.active--
	}
}

// SetConfig dynamically updates (or creates) a queue configuration,
// preserving the current active count.
func (l *Limiter) SetConfig(cfg LimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.queues[cfg.Queue]
	ls := newLimitState(cfg)
	if existing != nil {
		ls.active = existing.active
	}
	l.queues[cfg.Queue] = ls
}

// ActiveCount returns the current number of active tasks for a queue.
func (l *Limiter) ActiveCount(queue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ls := l.queues[queue]; ls != nil {
		return ls.active
	}
	return 0
}
