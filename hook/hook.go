// Package hook defines lifecycle extensions for the cutout service.
// Extensions are notified as jobs move through the state machine and can
// react to the transitions — metrics, client notification, auditing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is accepted and persisted.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobQueued is called after a job lands on the work queue, both on first
// enqueue and on re-enqueue after a recoverable failure.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobClaimed is called when a worker wins the claim and begins executing.
type JobClaimed interface {
	OnJobClaimed(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (attempt budget spent
// or the queue refused it for good).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, failure job.Failure) error
}

// JobRequeued is called when a failed or timed-out execution is sent
// back to the queue for another attempt.
type JobRequeued interface {
	OnJobRequeued(ctx context.Context, j *job.Job, attempt int) error
}

// JobCancelled is called after a cancellation lands.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobTimedOut is called when the sweep moves an execution past its
// deadline off the executing state. It fires only after the fenced
// transition wins; a job whose report landed between the sweep's scan
// and its update emits nothing.
type JobTimedOut interface {
	OnJobTimedOut(ctx context.Context, j *job.Job) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
