package queue

import (
	"time"

	"github.com/davidhopkirk/stride"
	"github.com/davidhopkirk/stride/id"
)

// State represents the lifecycle state of a queued task.
type State string

const (
	// StatePending means the task is waiting in the ready or delayed
	// structure to be picked up by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing the task.
	StateRunning State = "running"
	// StateCompleted means the task finished successfully.
	StateCompleted State = "completed"
	// StateRetrying means the task failed and is waiting out its backoff
	// delay before re-entering the ready structure.
	StateRetrying State = "retrying"
	// StateCancelled means the task was explicitly cancelled.
	StateCancelled State = "cancelled"
	// StateDead means the task exhausted its retries and was moved to
	// the dead letter list.
	StateDead State = "dead"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateDead
}

// Task represents an immediately-queued unit of work with priority,
// deduplication, and delayed-delivery semantics.
type Task struct {
	stride.Entity

	ID       id.TaskID `json:"id"`
	Queue    string    `json:"queue"`
	Type     string    `json:"type"`
	Priority int       `json:"priority"`
	Payload  []byte    `json:"payload,omitempty"`

	// DedupKey, when set, reserves the key for this task from enqueue
	// until completion, cancellation, or dead-lettering. A second
	// enqueue with a live key is rejected.
	DedupKey string `json:"dedup_key,omitempty"`

	// DelayUntil defers delivery: the task sits in the delayed
	// structure and is swept into the ready structure once due.
	DelayUntil *time.Time `json:"delay_until,omitempty"`

	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	State       State             `json:"state"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Progress tracks partial completion of a long-running task.
type Progress struct {
	TaskID    id.TaskID `json:"task_id"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Percent returns completion as a percentage, 0 when Total is zero.
func (p *Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// IsComplete reports whether Current has reached Total.
func (p *Progress) IsComplete() bool {
	return p.Total > 0 && p.Current >= p.Total
}

// DeadLetter records a task that exhausted its retry budget, kept on a
// bounded list for inspection or requeue.
type DeadLetter struct {
	ID         id.DeadLetterID `json:"id"`
	TaskID     id.TaskID       `json:"task_id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    []byte          `json:"payload,omitempty"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	FailedAt   time.Time       `json:"failed_at"`
}
