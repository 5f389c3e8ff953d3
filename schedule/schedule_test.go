package schedule_test

import (
	"errors"
	"testing"
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/schedule"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestOnce_NextRun(t *testing.T) {
	future := base.Add(time.Hour)

	if got := schedule.Once(future).NextRun(base); got == nil || !got.Equal(future) {
		t.Errorf("NextRun = %v, want %v", got, future)
	}

	// Already-passed one-time schedules never run.
	if got := schedule.Once(base.Add(-time.Hour)).NextRun(base); got != nil {
		t.Errorf("NextRun for past once = %v, want nil", got)
	}

	// Exactly "now" is not strictly after.
	if got := schedule.Once(base).NextRun(base); got != nil {
		t.Errorf("NextRun for at==from = %v, want nil", got)
	}
}

func TestCron_NextRunStrictlyAfter(t *testing.T) {
	s := schedule.Cron("0 * * * *") // top of every hour

	next := s.NextRun(base) // base is exactly 12:00
	if next == nil {
		t.Fatal("NextRun = nil")
	}
	if !next.After(base) {
		t.Errorf("NextRun = %v, not strictly after %v", next, base)
	}
	want := time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
}

func TestCron_AdvancesToFollowingOccurrence(t *testing.T) {
	s := schedule.Cron("*/5 * * * *")

	first := s.NextRun(base)
	if first == nil {
		t.Fatal("first NextRun = nil")
	}
	second := s.NextRun(*first)
	if second == nil {
		t.Fatal("second NextRun = nil")
	}
	if !second.After(*first) {
		t.Errorf("second occurrence %v does not advance past %v", second, first)
	}
}

func TestInterval_NextRun(t *testing.T) {
	s := schedule.Interval(10 * time.Minute)

	next := s.NextRun(base)
	if next == nil || !next.Equal(base.Add(10*time.Minute)) {
		t.Errorf("NextRun = %v, want %v", next, base.Add(10*time.Minute))
	}
}

func TestIntervalAt_HonorsFutureStart(t *testing.T) {
	start := base.Add(time.Hour)
	s := schedule.IntervalAt(10*time.Minute, start)

	if got := s.NextRun(base); got == nil || !got.Equal(start) {
		t.Errorf("NextRun = %v, want start %v", got, start)
	}

	// Once the start has passed, recurrence is from + every.
	after := start.Add(time.Minute)
	if got := s.NextRun(after); got == nil || !got.Equal(after.Add(10*time.Minute)) {
		t.Errorf("NextRun = %v, want %v", got, after.Add(10*time.Minute))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       schedule.Schedule
		wantErr bool
	}{
		{"valid cron", schedule.Cron("*/5 * * * *"), false},
		{"valid descriptor", schedule.Cron("@every 30s"), false},
		{"bad cron", schedule.Cron("not a cron"), true},
		{"six fields", schedule.Cron("* * * * * *"), true},
		{"valid once", schedule.Once(base), false},
		{"zero once", schedule.Once(time.Time{}), true},
		{"valid interval", schedule.Interval(time.Second), false},
		{"zero interval", schedule.Interval(0), true},
		{"negative interval", schedule.Interval(-time.Second), true},
		{"unknown kind", schedule.Schedule{Kind: "hourly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, stride.ErrInvalidSchedule) {
				t.Errorf("Validate() error = %v, want ErrInvalidSchedule", err)
			}
		})
	}
}

func TestRecurring(t *testing.T) {
	if schedule.Once(base).Recurring() {
		t.Error("Once should not be recurring")
	}
	if !schedule.Cron("* * * * *").Recurring() {
		t.Error("Cron should be recurring")
	}
	if !schedule.Interval(time.Minute).Recurring() {
		t.Error("Interval should be recurring")
	}
}
