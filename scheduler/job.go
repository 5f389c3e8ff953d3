package scheduler

import (
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/backoff"
	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/schedule"
)

// State represents the lifecycle state of a scheduled job.
type State string

const (
	// StatePending means the job was created but not yet submitted.
	StatePending State = "pending"
	// StateScheduled means the job is armed and waiting for NextRun.
	StateScheduled State = "scheduled"
	// StateRunning means a scheduler is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means a one-time job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its retries.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
	// StateRetrying means the job failed and is waiting out its backoff.
	StateRetrying State = "retrying"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is a schedulable unit of work with a recurrence or one-time
// schedule, owned by the Scheduler.
type Job struct {
	stride.Entity

	ID       id.JobID          `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Schedule schedule.Schedule `json:"schedule"`
	Priority int               `json:"priority"`
	State    State             `json:"state"`
	Payload  []byte            `json:"payload,omitempty"`

	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	// NextRun is strictly in the future while the job is scheduled or
	// retrying, and nil once the job reaches a terminal state.
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// NewJob creates a pending job with its first occurrence computed. The
// schedule is validated here so a bad cron expression or an
// already-passed one-time schedule fails at creation, not at run time.
func NewJob(name, jobType string, sched schedule.Schedule) (*Job, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := sched.NextRun(now)
	if next == nil {
		return nil, stride.ErrScheduleInPast
	}

	j := &Job{
		ID:         id.NewJobID(),
		Name:       name,
		Type:       jobType,
		Schedule:   sched,
		State:      StatePending,
		MaxRetries: 3,
		Timeout:    5 * time.Minute,
		NextRun:    next,
	}
	j.Touch(now)
	return j, nil
}

// MarkCompleted records a successful execution at now. The retry budget
// resets and the next occurrence is recomputed: recurring jobs re-enter
// the scheduled state, one-time jobs become completed with no NextRun.
func (j *Job) MarkCompleted(now time.Time) {
	j.LastRun = &now
	j.RetryCount = 0
	j.LastError = ""
	j.UpdatedAt = now

	if next := j.Schedule.NextRun(now); next != nil {
		j.NextRun = next
		j.State = StateScheduled
		return
	}
	j.NextRun = nil
	j.State = StateCompleted
}

// MarkFailed records a failed execution at now. With retries remaining
// the job re-arms at now + Delay(RetryCount) (exponential backoff);
// otherwise it becomes terminally failed.
func (j *Job) MarkFailed(now time.Time, jobErr error, bo backoff.Strategy) {
	j.RetryCount++
	j.LastError = jobErr.Error()
	j.LastRun = &now
	j.UpdatedAt = now

	if j.RetryCount >= j.MaxRetries {
		j.NextRun = nil
		j.State = StateFailed
		return
	}

	next := now.Add(bo.Delay(j.RetryCount))
	j.NextRun = &next
	j.State = StateRetrying
}

// Cancel transitions the job to cancelled from any non-terminal state.
// A running execution is allowed to finish; only the status changes.
func (j *Job) Cancel(now time.Time) error {
	if j.State.Terminal() {
		return stride.ErrInvalidState
	}
	j.State = StateCancelled
	j.NextRun = nil
	j.UpdatedAt = now
	return nil
}

// Due reports whether the job should be picked up by a poll at now.
func (j *Job) Due(now time.Time) bool {
	if j.State != StateScheduled && j.State != StateRetrying {
		return false
	}
	return j.NextRun != nil && !j.NextRun.After(now)
}
