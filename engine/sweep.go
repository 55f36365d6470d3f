package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// SweepTimeouts finds executing jobs whose last store update is older
// than the execution timeout and drives the timeout event through the
// same fenced path as a worker failure report: re-enqueue under a fresh
// token while the attempt budget lasts, terminal error once spent.
//
// The store is the liveness source of truth here. A worker that is alive
// but wedged holds a token the sweep invalidates; whatever it eventually
// reports will lose the fence and be dropped.
//
// Returns how many jobs were acted on.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	olderThan := time.Now().UTC().Add(-e.cfg.ExecutionTimeout)

	stale, err := e.store.ListStaleExecuting(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	swept := 0
	for _, j := range stale {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		pre := job.From(job.StateExecuting).Token(j.DeliveryToken)

		if j.AttemptCount < j.MaxAttempts {
			_, won, err := e.enqueueJob(ctx, j, pre, j.AttemptCount+1, "execution timed out")
			if err != nil {
				e.logger.Error("sweep requeue failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !won {
				// A report or cancel landed between the list and the
				// update. The job was not stuck after all.
				continue
			}
			e.logTimeout(j)
			e.hooks.EmitJobTimedOut(ctx, j)
			swept++
			continue
		}

		failure := job.Failure{
			Code:    job.CodeTimeout,
			Message: "cutout execution timed out",
			Detail:  fmt.Sprintf("no progress for more than %s", e.cfg.ExecutionTimeout),
		}
		failed, err := e.store.CompareAndUpdateJob(ctx, j.ID, pre,
			job.ToError(failure, time.Now().UTC()))
		if err != nil {
			if errors.Is(err, cutout.ErrStaleState) {
				// The worker reported, or a cancel landed, between the
				// list and the CAS. Nothing to do.
				continue
			}
			e.logger.Error("sweep transition failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		e.logTimeout(j)
		e.hooks.EmitJobTimedOut(ctx, j)
		e.pushArchive(ctx, failed, failure)
		e.hooks.EmitJobFailed(ctx, failed, failure)
		swept++
	}

	return swept, nil
}

func (e *Engine) logTimeout(j *job.Job) {
	e.logger.Warn("execution timed out",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.AttemptCount),
		slog.Time("updated_at", j.UpdatedAt),
	)
}
