package worker

import (
	"context"
	"time"

	"github.com/davidhopkirk/stride/id"
)

// Status classifies a worker's reported condition.
type Status string

const (
	// StatusIdle means the worker is polling but executing nothing.
	StatusIdle Status = "idle"
	// StatusBusy means the worker has at least one task in flight.
	StatusBusy Status = "busy"
	// StatusUnhealthy means the worker's heartbeat has gone stale.
	StatusUnhealthy Status = "unhealthy"
	// StatusShutdown means the worker stopped cleanly.
	StatusShutdown Status = "shutdown"
)

// Health is a worker's periodically reported state. Monitoring reads it
// back through the HealthStore; a record older than twice the heartbeat
// interval marks the worker unhealthy.
type Health struct {
	WorkerID       id.WorkerID `json:"worker_id"`
	Status         Status      `json:"status"`
	Queues         []string    `json:"queues,omitempty"`
	ActiveTasks    int         `json:"active_tasks"`
	TasksCompleted int64       `json:"tasks_completed"`
	TasksFailed    int64       `json:"tasks_failed"`
	StartedAt      time.Time   `json:"started_at"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
}

// Uptime returns how long the worker has been running as of now.
func (h *Health) Uptime(now time.Time) time.Duration {
	if h.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(h.StartedAt)
}

// Classify returns the effective status at now: a heartbeat older than
// twice the reporting interval downgrades any live status to unhealthy.
// Shutdown is final and never reclassified.
func (h *Health) Classify(now time.Time, interval time.Duration) Status {
	if h.Status == StatusShutdown {
		return StatusShutdown
	}
	if interval > 0 && now.Sub(h.LastHeartbeat) > 2*interval {
		return StatusUnhealthy
	}
	return h.Status
}

// HealthStore defines persistence for worker health records.
type HealthStore interface {
	// UpsertHealth writes the worker's health record with an expiry, so
	// crashed workers eventually disappear from listings.
	UpsertHealth(ctx context.Context, h *Health, ttl time.Duration) error

	// GetHealth retrieves one worker's health record.
	GetHealth(ctx context.Context, workerID id.WorkerID) (*Health, error)

	// ListHealth returns all live health records.
	ListHealth(ctx context.Context) ([]*Health, error)
}
