package hook

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/davidhopkirk/stride/queue"
	"github.com/davidhopkirk/stride/scheduler"
)

const meterName = "github.com/davidhopkirk/stride"

// Compile-time interface checks.
var (
	_ Hook             = (*MetricsHook)(nil)
	_ TaskEnqueued     = (*MetricsHook)(nil)
	_ TaskCompleted    = (*MetricsHook)(nil)
	_ TaskRetrying     = (*MetricsHook)(nil)
	_ TaskDeadLettered = (*MetricsHook)(nil)
	_ TaskCancelled    = (*MetricsHook)(nil)
	_ JobCompleted     = (*MetricsHook)(nil)
	_ JobFailed        = (*MetricsHook)(nil)
	_ JobRetrying      = (*MetricsHook)(nil)
)

// MetricsHook counts lifecycle events through OpenTelemetry. Register it
// to track enqueue rates, completions, retries, dead letters, and job
// outcomes per queue and type. Per-execution latency lives in
// middleware.Metrics; this hook covers the events a handler never sees,
// such as enqueues and cancellations.
type MetricsHook struct {
	taskEnqueued     metric.Int64Counter
	taskCompleted    metric.Int64Counter
	taskRetried      metric.Int64Counter
	taskDeadLettered metric.Int64Counter
	taskCancelled    metric.Int64Counter
	jobCompleted     metric.Int64Counter
	jobFailed        metric.Int64Counter
	jobRetried       metric.Int64Counter
}

// NewMetricsHook creates a MetricsHook on the globally registered meter
// provider.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook on an explicit meter.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		_ = err // noop fallback guaranteed by OTel API contract
		return c
	}
	return &MetricsHook{
		taskEnqueued:     counter("stride.task.enqueued", "Tasks accepted into a queue"),
		taskCompleted:    counter("stride.task.completed", "Tasks finished successfully"),
		taskRetried:      counter("stride.task.retried", "Task executions scheduled for retry"),
		taskDeadLettered: counter("stride.task.dead_lettered", "Tasks moved to the dead letter list"),
		taskCancelled:    counter("stride.task.cancelled", "Tasks cancelled before completion"),
		jobCompleted:     counter("stride.job.completed", "Scheduled job executions that succeeded"),
		jobFailed:        counter("stride.job.failed", "Scheduled jobs that failed terminally"),
		jobRetried:       counter("stride.job.retried", "Scheduled job executions scheduled for retry"),
	}
}

// Name implements Hook.
func (m *MetricsHook) Name() string { return "metrics" }

func taskAttrs(t *queue.Task) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("task_type", t.Type),
		attribute.String("queue", t.Queue),
	)
}

func jobAttrs(j *scheduler.Job) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("job_type", j.Type),
		attribute.String("job_name", j.Name),
	)
}

// OnTaskEnqueued implements TaskEnqueued.
func (m *MetricsHook) OnTaskEnqueued(ctx context.Context, t *queue.Task) error {
	m.taskEnqueued.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskCompleted implements TaskCompleted.
func (m *MetricsHook) OnTaskCompleted(ctx context.Context, t *queue.Task, _ time.Duration) error {
	m.taskCompleted.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskRetrying implements TaskRetrying.
func (m *MetricsHook) OnTaskRetrying(ctx context.Context, t *queue.Task, _ int, _ time.Time) error {
	m.taskRetried.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskDeadLettered implements TaskDeadLettered.
func (m *MetricsHook) OnTaskDeadLettered(ctx context.Context, t *queue.Task, _ error) error {
	m.taskDeadLettered.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskCancelled implements TaskCancelled.
func (m *MetricsHook) OnTaskCancelled(ctx context.Context, t *queue.Task) error {
	m.taskCancelled.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnJobCompleted implements JobCompleted.
func (m *MetricsHook) OnJobCompleted(ctx context.Context, j *scheduler.Job, _ time.Duration) error {
	m.jobCompleted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobFailed implements JobFailed.
func (m *MetricsHook) OnJobFailed(ctx context.Context, j *scheduler.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements JobRetrying.
func (m *MetricsHook) OnJobRetrying(ctx context.Context, j *scheduler.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, jobAttrs(j))
	return nil
}
