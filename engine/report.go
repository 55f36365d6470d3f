package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
)

// Claim moves a queued job to executing, fenced on the delivery token the
// message carries. A redelivered or superseded message loses the fence
// and gets cutout.ErrStaleState: the caller should settle the delivery
// and move on without running anything.
func (e *Engine) Claim(ctx context.Context, msg queue.Message) (*job.Job, error) {
	claimed, err := e.store.CompareAndUpdateJob(ctx, msg.JobID,
		job.From(job.StateQueued).Token(msg.DeliveryToken),
		job.ToExecuting(time.Now().UTC()))
	if err != nil {
		if errors.Is(err, cutout.ErrStaleState) || errors.Is(err, cutout.ErrJobNotFound) {
			e.logger.Info("dropping stale delivery",
				slog.String("job_id", msg.JobID.String()),
				slog.String("delivery_token", msg.DeliveryToken.String()),
			)
			return nil, cutout.ErrStaleState
		}
		return nil, fmt.Errorf("claim: %w", err)
	}

	e.hooks.EmitJobClaimed(ctx, claimed)
	return claimed, nil
}

// ReportSuccess records a completed execution. A report fenced on a token
// the store no longer honours — the job was cancelled, timed out, or the
// report is a duplicate — is logged and dropped without error.
func (e *Engine) ReportSuccess(ctx context.Context, jobID id.JobID, token id.Token, res job.Result) error {
	completed, err := e.store.CompareAndUpdateJob(ctx, jobID,
		job.From(job.StateExecuting).Token(token),
		job.ToCompleted(res, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, cutout.ErrStaleState) || errors.Is(err, cutout.ErrJobNotFound) {
			e.logger.Info("ignoring stale success report",
				slog.String("job_id", jobID.String()),
				slog.String("delivery_token", token.String()),
			)
			return nil
		}
		return fmt.Errorf("report success: %w", err)
	}

	e.hooks.EmitJobCompleted(ctx, completed, execElapsed(completed))
	return nil
}

// ReportFailure records a failed execution. While the attempt budget
// lasts the job is re-enqueued under a fresh token; once spent it goes to
// the terminal error state and into the archive. Stale reports are logged
// and dropped without error, exactly like stale successes.
func (e *Engine) ReportFailure(ctx context.Context, jobID id.JobID, token id.Token, cause error) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, cutout.ErrJobNotFound) {
			e.logger.Info("ignoring failure report for unknown job",
				slog.String("job_id", jobID.String()))
			return nil
		}
		return fmt.Errorf("report failure: %w", err)
	}
	if j.State != job.StateExecuting || j.DeliveryToken.String() != token.String() {
		e.logger.Info("ignoring stale failure report",
			slog.String("job_id", jobID.String()),
			slog.String("state", string(j.State)),
			slog.String("delivery_token", token.String()),
		)
		return nil
	}

	pre := job.From(job.StateExecuting).Token(token)

	if j.AttemptCount < j.MaxAttempts {
		_, _, err := e.enqueueJob(ctx, j, pre, j.AttemptCount+1, cause.Error())
		if err != nil {
			return fmt.Errorf("report failure: %w", err)
		}
		return nil
	}

	failure := job.Failure{
		Code:    job.CodeWorkerFailed,
		Message: "cutout execution failed",
		Detail:  cause.Error(),
	}
	failed, err := e.store.CompareAndUpdateJob(ctx, jobID, pre,
		job.ToError(failure, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, cutout.ErrStaleState) {
			e.logger.Info("ignoring stale failure report",
				slog.String("job_id", jobID.String()))
			return nil
		}
		return fmt.Errorf("report failure: %w", err)
	}

	e.logger.Error("job failed: attempt budget spent",
		slog.String("job_id", failed.ID.String()),
		slog.Int("attempts", failed.AttemptCount),
		slog.String("error", cause.Error()),
	)
	e.pushArchive(ctx, failed, failure)
	e.hooks.EmitJobFailed(ctx, failed, failure)
	return nil
}

// pushArchive preserves a terminally failed job for inspection and
// replay. Archive faults are logged, never propagated: archiving is
// bookkeeping, the state transition already happened.
func (e *Engine) pushArchive(ctx context.Context, j *job.Job, failure job.Failure) {
	if e.archive == nil {
		return
	}
	if err := e.archive.PushEntry(ctx, archive.NewEntry(j, failure)); err != nil {
		e.logger.Warn("archive push failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func execElapsed(j *job.Job) time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}
