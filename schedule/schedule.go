// Package schedule models job recurrence: one-time, cron, and fixed
// interval schedules, with pure next-occurrence computation.
package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/davidhopkirk/stride"
)

// Kind discriminates the schedule variants.
type Kind string

const (
	// KindOnce fires exactly once at a fixed instant.
	KindOnce Kind = "once"
	// KindCron fires per a standard 5-field cron expression.
	KindCron Kind = "cron"
	// KindInterval fires every fixed duration.
	KindInterval Kind = "interval"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses a cron expression with the package parser.
func ParseCron(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Schedule describes when a job should run. Exactly one variant is
// populated, selected by Kind.
type Schedule struct {
	Kind Kind `json:"kind"`

	// At is the firing instant for KindOnce.
	At time.Time `json:"at,omitempty"`

	// Expr is the cron expression for KindCron.
	Expr string `json:"expr,omitempty"`

	// Every is the period for KindInterval.
	Every time.Duration `json:"every,omitempty"`

	// Start optionally anchors the first KindInterval occurrence.
	Start time.Time `json:"start,omitempty"`
}

// Once returns a schedule that fires exactly once at t.
func Once(t time.Time) Schedule {
	return Schedule{Kind: KindOnce, At: t}
}

// Cron returns a schedule driven by a cron expression. The expression is
// validated by Validate, not here, so construction never fails.
func Cron(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr}
}

// Interval returns a schedule that fires every d, measured from each
// recomputation point.
func Interval(d time.Duration) Schedule {
	return Schedule{Kind: KindInterval, Every: d}
}

// IntervalAt is Interval with an explicit first occurrence.
func IntervalAt(d time.Duration, start time.Time) Schedule {
	return Schedule{Kind: KindInterval, Every: d, Start: start}
}

// Validate checks the schedule for structural errors. Invalid cron
// expressions and non-positive intervals are rejected here so that bad
// schedules fail at submission time, not at run time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() {
			return fmt.Errorf("%w: once schedule has no time", stride.ErrInvalidSchedule)
		}
	case KindCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", stride.ErrInvalidSchedule, s.Expr, err)
		}
	case KindInterval:
		if s.Every <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %v", stride.ErrInvalidSchedule, s.Every)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", stride.ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// NextRun returns the next occurrence strictly after from, or nil when
// the schedule has no further occurrences.
//
// Once: At if still in the future, else nil. An already-passed one-time
// schedule never runs, and callers must surface that at submission.
//
// Cron: the next matching instant after from.
//
// Interval: Start when it is still ahead of from, otherwise from + Every.
// Interval recurrence is deliberately drift-tolerant: each occurrence is
// measured from the recomputation point (typically the previous
// completion), not from a fixed anchor.
func (s Schedule) NextRun(from time.Time) *time.Time {
	switch s.Kind {
	case KindOnce:
		if s.At.After(from) {
			at := s.At
			return &at
		}
		return nil
	case KindCron:
		parsed, err := cronParser.Parse(s.Expr)
		if err != nil {
			// Validate rejects bad expressions before they are persisted.
			return nil
		}
		next := parsed.Next(from)
		if next.IsZero() {
			return nil
		}
		return &next
	case KindInterval:
		if !s.Start.IsZero() && s.Start.After(from) {
			start := s.Start
			return &start
		}
		next := from.Add(s.Every)
		return &next
	default:
		return nil
	}
}

// Recurring reports whether the schedule can fire more than once.
func (s Schedule) Recurring() bool {
	return s.Kind == KindCron || s.Kind == KindInterval
}

// String renders the schedule for logs.
func (s Schedule) String() string {
	switch s.Kind {
	case KindOnce:
		return "once@" + s.At.Format(time.RFC3339)
	case KindCron:
		return "cron(" + s.Expr + ")"
	case KindInterval:
		if s.Start.IsZero() {
			return "every " + s.Every.String()
		}
		return fmt.Sprintf("every %s from %s", s.Every, s.Start.Format(time.RFC3339))
	default:
		return string(s.Kind)
	}
}
