package stride

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("stride: no store configured")
	ErrStoreClosed = errors.New("stride: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("stride: job not found")
	ErrTaskNotFound     = errors.New("stride: task not found")
	ErrProgressNotFound = errors.New("stride: progress not found")
	ErrWorkerNotFound   = errors.New("stride: worker not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("stride: job already exists")
	ErrTaskAlreadyExists = errors.New("stride: task already exists")
	ErrDuplicateTask     = errors.New("stride: duplicate task for dedup key")

	// Validation errors, rejected synchronously at submission.
	ErrInvalidSchedule = errors.New("stride: invalid schedule")
	ErrScheduleInPast  = errors.New("stride: one-time schedule is in the past")

	// State errors.
	ErrInvalidState = errors.New("stride: invalid state transition")

	// Execution errors.
	ErrExecutorNotFound = errors.New("stride: no executor registered for job type")
	ErrHandlerNotFound  = errors.New("stride: no handler registered for task type")
	ErrTimeout          = errors.New("stride: execution timed out")
)
