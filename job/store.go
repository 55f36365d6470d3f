package job

import (
	"context"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

// ListOpts controls filtering and pagination for job list queries.
type ListOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// RunID filters by the client-supplied correlation string.
	RunID string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs.
//
// CompareAndUpdateJob is the sole mutation primitive after insert: every
// state transition goes through it, fenced on the expected current state
// (and optionally the delivery token). Two concurrent writers racing on
// the same job produce exactly one winner; the loser gets
// cutout.ErrStaleState and discards its update. That atomicity is the
// whole concurrency argument of the engine — implementations must make it
// hold.
type Store interface {
	// InsertJob persists a new job. Returns cutout.ErrJobAlreadyExists
	// if the ID is taken.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID, or cutout.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// CompareAndUpdateJob atomically applies the update if the
	// precondition still holds, returning the updated record. Returns
	// cutout.ErrStaleState when the precondition fails and
	// cutout.ErrJobNotFound when the job does not exist.
	CompareAndUpdateJob(ctx context.Context, jobID id.JobID, pre Precondition, upd Update) (*Job, error)

	// ListJobs returns jobs matching the options, ordered by creation
	// time.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ListStaleExecuting returns executing jobs whose UpdatedAt is older
	// than the given instant. The timeout sweep uses this — the store,
	// not the queue, is the liveness source of truth.
	ListStaleExecuting(ctx context.Context, olderThan time.Time) ([]*Job, error)

	// PurgeJobs deletes terminal jobs whose DestroyAfter deadline is
	// before the given instant, returning how many were removed.
	PurgeJobs(ctx context.Context, before time.Time) (int64, error)
}
