package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lsst-sqre/ivoa-cutout-poc/hook"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

const meterName = "github.com/lsst-sqre/ivoa-cutout-poc/observability"

// Compile-time checks that the extension implements every lifecycle hook.
var (
	_ hook.Extension    = (*MetricsExtension)(nil)
	_ hook.JobSubmitted = (*MetricsExtension)(nil)
	_ hook.JobQueued    = (*MetricsExtension)(nil)
	_ hook.JobClaimed   = (*MetricsExtension)(nil)
	_ hook.JobCompleted = (*MetricsExtension)(nil)
	_ hook.JobFailed    = (*MetricsExtension)(nil)
	_ hook.JobRequeued  = (*MetricsExtension)(nil)
	_ hook.JobCancelled = (*MetricsExtension)(nil)
	_ hook.JobTimedOut  = (*MetricsExtension)(nil)
)

// MetricsExtension counts every job lifecycle transition and records
// the execution duration of completed jobs.
type MetricsExtension struct {
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	attempts    metric.Int64Histogram
}

// NewMetricsExtension creates the extension against the global meter
// provider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates the extension against an
// explicit meter. Tests use this with an in-memory reader.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	transitions, tErr := meter.Int64Counter("cutout.job.transitions",
		metric.WithDescription("Job lifecycle transitions by event"),
		metric.WithUnit("{transition}"),
	)
	duration, dErr := meter.Float64Histogram("cutout.job.execution_duration",
		metric.WithDescription("Wall time of completed cutout executions"),
		metric.WithUnit("s"),
	)
	attempts, aErr := meter.Int64Histogram("cutout.job.attempts",
		metric.WithDescription("Attempt count at job resolution"),
		metric.WithUnit("{attempt}"),
	)
	_ = tErr // noop fallback guaranteed by OTel API contract
	_ = dErr
	_ = aErr

	return &MetricsExtension{
		transitions: transitions,
		duration:    duration,
		attempts:    attempts,
	}
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability.metrics" }

func (m *MetricsExtension) count(ctx context.Context, event string, extra ...attribute.KeyValue) {
	attrs := append([]attribute.KeyValue{attribute.String("event", event)}, extra...)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// OnJobSubmitted implements hook.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, _ *job.Job) error {
	m.count(ctx, "submitted")
	return nil
}

// OnJobQueued implements hook.JobQueued.
func (m *MetricsExtension) OnJobQueued(ctx context.Context, _ *job.Job) error {
	m.count(ctx, "queued")
	return nil
}

// OnJobClaimed implements hook.JobClaimed.
func (m *MetricsExtension) OnJobClaimed(ctx context.Context, _ *job.Job) error {
	m.count(ctx, "claimed")
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.count(ctx, "completed")
	m.duration.Record(ctx, elapsed.Seconds())
	m.attempts.Record(ctx, int64(j.AttemptCount),
		metric.WithAttributes(attribute.String("outcome", "completed")))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, failure job.Failure) error {
	m.count(ctx, "failed", attribute.String("code", failure.Code))
	m.attempts.Record(ctx, int64(j.AttemptCount),
		metric.WithAttributes(attribute.String("outcome", "error")))
	return nil
}

// OnJobRequeued implements hook.JobRequeued.
func (m *MetricsExtension) OnJobRequeued(ctx context.Context, _ *job.Job, _ int) error {
	m.count(ctx, "requeued")
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, _ *job.Job) error {
	m.count(ctx, "cancelled")
	return nil
}

// OnJobTimedOut implements hook.JobTimedOut.
func (m *MetricsExtension) OnJobTimedOut(ctx context.Context, _ *job.Job) error {
	m.count(ctx, "timed_out")
	return nil
}
