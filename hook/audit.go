package hook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
)

// Compile-time interface checks.
var (
	_ Hook             = (*AuditHook)(nil)
	_ TaskEnqueued     = (*AuditHook)(nil)
	_ TaskStarted      = (*AuditHook)(nil)
	_ TaskCompleted    = (*AuditHook)(nil)
	_ TaskRetrying     = (*AuditHook)(nil)
	_ TaskDeadLettered = (*AuditHook)(nil)
	_ TaskCancelled    = (*AuditHook)(nil)
	_ JobCompleted     = (*AuditHook)(nil)
	_ JobFailed        = (*AuditHook)(nil)
	_ JobRetrying      = (*AuditHook)(nil)
)

// Audit event actions. Each constant corresponds to one lifecycle event
// and becomes the Action field of the audit event.
const (
	ActionTaskEnqueued     = "task.enqueued"
	ActionTaskStarted      = "task.started"
	ActionTaskCompleted    = "task.completed"
	ActionTaskRetrying     = "task.retrying"
	ActionTaskDeadLettered = "task.dead_lettered"
	ActionTaskCancelled    = "task.cancelled"
	ActionJobCompleted     = "job.completed"
	ActionJobFailed        = "job.failed"
	ActionJobRetrying      = "job.retrying"
)

// Audit event categories group related actions.
const (
	CategoryTask = "stride.task"
	CategoryJob  = "stride.job"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceTask = "task"
	ResourceJob  = "job"
)

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action the audit hook can emit.
func AllActions() []string {
	return []string{
		ActionTaskEnqueued,
		ActionTaskStarted,
		ActionTaskCompleted,
		ActionTaskRetrying,
		ActionTaskDeadLettered,
		ActionTaskCancelled,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
	}
}

// AuditEvent is a local representation of an audit trail entry. It is
// defined here so the hook package does not depend on any particular
// audit backend; callers provide a RecorderFunc adapter that bridges to
// theirs.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// Recorder is the interface audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// AuditOption configures an AuditHook.
type AuditOption func(*AuditHook)

// WithAuditActions restricts the hook to emit only the listed actions.
// By default every action is enabled. Unknown actions are silently
// ignored.
func WithAuditActions(actions ...string) AuditOption {
	return func(a *AuditHook) {
		a.enabled = make(map[string]bool, len(actions))
		for _, action := range actions {
			a.enabled[action] = true
		}
	}
}

// WithAuditLogger sets a custom logger for the hook.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditHook) { a.logger = l }
}

// AuditHook bridges Stride lifecycle events to an audit trail backend.
// Each lifecycle event becomes a structured audit event sent through the
// [Recorder]. Recording failures are logged, never propagated.
type AuditHook struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// NewAuditHook creates an AuditHook that emits events through r.
func NewAuditHook(r Recorder, opts ...AuditOption) *AuditHook {
	a := &AuditHook{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Hook.
func (a *AuditHook) Name() string { return "audit" }

// ── Task lifecycle ──

// OnTaskEnqueued implements TaskEnqueued.
func (a *AuditHook) OnTaskEnqueued(ctx context.Context, t *queue.Task) error {
	return a.record(ctx, ActionTaskEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"task_type", t.Type,
		"queue", t.Queue,
		"priority", t.Priority,
	)
}

// OnTaskStarted implements TaskStarted.
func (a *AuditHook) OnTaskStarted(ctx context.Context, t *queue.Task) error {
	return a.record(ctx, ActionTaskStarted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"task_type", t.Type,
		"queue", t.Queue,
	)
}

// OnTaskCompleted implements TaskCompleted.
func (a *AuditHook) OnTaskCompleted(ctx context.Context, t *queue.Task, elapsed time.Duration) error {
	return a.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"task_type", t.Type,
		"queue", t.Queue,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTaskRetrying implements TaskRetrying.
func (a *AuditHook) OnTaskRetrying(ctx context.Context, t *queue.Task, attempt int, nextRunAt time.Time) error {
	return a.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"task_type", t.Type,
		"queue", t.Queue,
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnTaskDeadLettered implements TaskDeadLettered.
func (a *AuditHook) OnTaskDeadLettered(ctx context.Context, t *queue.Task, taskErr error) error {
	return a.record(ctx, ActionTaskDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, taskErr,
		"task_type", t.Type,
		"queue", t.Queue,
		"retry_count", t.RetryCount,
		"max_retries", t.MaxRetries,
	)
}

// OnTaskCancelled implements TaskCancelled.
func (a *AuditHook) OnTaskCancelled(ctx context.Context, t *queue.Task) error {
	return a.record(ctx, ActionTaskCancelled, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"task_type", t.Type,
		"queue", t.Queue,
	)
}

// ── Job lifecycle ──

// OnJobCompleted implements JobCompleted.
func (a *AuditHook) OnJobCompleted(ctx context.Context, j *scheduler.Job, elapsed time.Duration) error {
	return a.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_name", j.Name,
		"job_type", j.Type,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements JobFailed.
func (a *AuditHook) OnJobFailed(ctx context.Context, j *scheduler.Job, jobErr error) error {
	return a.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"job_name", j.Name,
		"job_type", j.Type,
		"retry_count", j.RetryCount,
		"max_retries", j.MaxRetries,
	)
}

// OnJobRetrying implements JobRetrying.
func (a *AuditHook) OnJobRetrying(ctx context.Context, j *scheduler.Job, attempt int, nextRunAt time.Time) error {
	return a.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_name", j.Name,
		"job_type", j.Type,
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// record builds and sends an audit event if the action is enabled. The
// kvPairs argument is a list of key-value pairs added to Metadata.
func (a *AuditHook) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if a.enabled != nil && !a.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := a.recorder.Record(ctx, evt); recErr != nil {
		a.logger.Warn("audit record failed",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
