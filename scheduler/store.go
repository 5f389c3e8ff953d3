package scheduler

import (
	"context"
	"time"

	"github.com/davidhopkirk/stride/id"
)

// ListOpts controls filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for scheduled jobs.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job, keeping any
	// due-time index consistent with the job's NextRun and state.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobs returns jobs matching the given options.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// DueJobs returns up to limit jobs that are scheduled or retrying
	// with NextRun at or before now.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
}
