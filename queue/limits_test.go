package queue_test

import (
	"testing"

	"github.com/davidhopkirk/stride/queue"
)

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	l := queue.NewLimiter(queue.LimitConfig{Queue: "email", MaxConcurrency: 2})

	if !l.Acquire("email") || !l.Acquire("email") {
		t.Fatal("first two acquires should succeed")
	}
	if l.Acquire("email") {
		t.Fatal("third acquire should be denied at the ceiling")
	}

	l.Release("email")
	if !l.Acquire("email") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLimiter_UnknownQueueIsUnlimited(t *testing.T) {
	l := queue.NewLimiter(queue.LimitConfig{Queue: "email", MaxConcurrency: 1})

	for i := 0; i < 100; i++ {
		if !l.Acquire("other") {
			t.Fatalf("acquire %d on unconfigured queue was denied", i)
		}
	}
}

func TestLimiter_RateLimitDenies(t *testing.T) {
	// Burst 1 at a negligible refill rate: exactly one dispatch passes.
	l := queue.NewLimiter(queue.LimitConfig{Queue: "email", RateLimit: 0.001, RateBurst: 1})

	if !l.Acquire("email") {
		t.Fatal("first acquire should consume the burst token")
	}
	if l.Acquire("email") {
		t.Fatal("second acquire should be rate limited")
	}
	// Releasing concurrency does not mint rate tokens.
	l.Release("email")
	if l.Acquire("email") {
		t.Fatal("release must not bypass the rate limit")
	}
}

func TestLimiter_ConcurrencyDenialKeepsRateToken(t *testing.T) {
	// Burst 2 at a negligible refill rate, ceiling 1. The concurrency
	// denial while a task is in flight must not spend the second token.
	l := queue.NewLimiter(queue.LimitConfig{
		Queue:          "email",
		MaxConcurrency: 1,
		RateLimit:      0.001,
		RateBurst:      2,
	})

	if !l.Acquire("email") {
		t.Fatal("first acquire should succeed")
	}
	if l.Acquire("email") {
		t.Fatal("second acquire should be denied at the ceiling")
	}

	l.Release("email")
	if !l.Acquire("email") {
		t.Fatal("the second burst token should survive a concurrency denial")
	}
}

func TestLimiter_SetConfigPreservesActive(t *testing.T) {
	l := queue.NewLimiter(queue.LimitConfig{Queue: "email", MaxConcurrency: 5})

	if !l.Acquire("email") || !l.Acquire("email") {
		t.Fatal("setup acquires failed")
	}
	if l.ActiveCount("email") != 2 {
		t.Fatalf("ActiveCount = %d, want 2", l.ActiveCount("email"))
	}

	// Tightening below the current active count blocks new dispatches but
	// keeps the in-flight count intact.
	l.SetConfig(queue.LimitConfig{Queue: "email", MaxConcurrency: 2})
	if l.ActiveCount("email") != 2 {
		t.Fatalf("ActiveCount = %d after reconfigure, want 2", l.ActiveCount("email"))
	}
	if l.Acquire("email") {
		t.Fatal("acquire should be denied after tightening the ceiling")
	}

	l.Release("email")
	if !l.Acquire("email") {
		t.Fatal("acquire should succeed once back under the new ceiling")
	}
}

func TestLimiter_ReleaseNeverGoesNegative(t *testing.T) {
	l := queue.NewLimiter(queue.LimitConfig{Queue: "email", MaxConcurrency: 1})

	l.Release("email")
	l.Release("email")
	if l.ActiveCount("email") != 0 {
		t.Fatalf("ActiveCount = %d, want 0", l.ActiveCount("email"))
	}
	if !l.Acquire("email") {
		t.Fatal("acquire should succeed with zero active")
	}
}
