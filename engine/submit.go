package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
)

// waitPollInterval is how often Wait re-reads the job while long-polling.
const waitPollInterval = 200 * time.Millisecond

// Submit validates the request, persists a new pending job, and hands it
// to the work queue. The returned job reflects the state the submission
// reached: queued on success, error with a queue_unavailable failure when
// the enqueue budget is spent. The job record exists either way.
func (e *Engine) Submit(ctx context.Context, req job.Request) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:       cutout.NewEntity(),
		ID:           id.NewJobID(),
		Request:      req,
		State:        job.StatePending,
		MaxAttempts:  e.cfg.MaxAttempts,
		DestroyAfter: now.Add(e.cfg.Retention),
	}

	if err := e.store.InsertJob(ctx, j); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	e.hooks.EmitJobSubmitted(ctx, j)

	queued, _, err := e.enqueueJob(ctx, j, job.From(job.StatePending), 1, "")
	return queued, err
}

// enqueueJob moves the job to queued under a fresh delivery token and
// publishes the message. The CAS happens before the publish: once a
// message is on the wire its token must already be the live one, or a
// fast worker could claim a delivery the store knows nothing about.
//
// The second return reports whether this call won the transition. A
// fenced loss (a report or cancel landed first) returns the job the
// store holds, false, and no error.
func (e *Engine) enqueueJob(ctx context.Context, j *job.Job, pre job.Precondition, attempt int, lastError string) (*job.Job, bool, error) {
	token := id.NewToken()

	var upd job.Update
	if lastError == "" {
		upd = job.ToQueued(token, attempt)
	} else {
		upd = job.Retrying(token, attempt, lastError)
	}

	queued, err := e.store.CompareAndUpdateJob(ctx, j.ID, pre, upd)
	if err != nil {
		if errors.Is(err, cutout.ErrStaleState) {
			// Someone else moved the job first (most likely a cancel
			// between insert and enqueue). Return what the store holds.
			current, getErr := e.store.GetJob(ctx, j.ID)
			return current, false, getErr
		}
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}

	msg := queue.Message{
		JobID:         queued.ID,
		DeliveryToken: token,
		Attempt:       attempt,
		Request:       queued.Request,
	}
	// The job is durable and fenced by now. A caller disconnect must not
	// abort the publish or burn the job on a healthy broker, so the
	// bounded retry loop runs detached from the caller's context.
	if err := e.enqueueWithRetry(context.WithoutCancel(ctx), msg); err != nil {
		failed, failErr := e.failEnqueue(ctx, queued, token, err)
		return failed, true, failErr
	}

	e.hooks.EmitJobQueued(ctx, queued)
	if attempt > 1 {
		e.hooks.EmitJobRequeued(ctx, queued, attempt)
	}
	return queued, true, nil
}

// failEnqueue drives a job whose message never reached the queue to the
// terminal error state.
func (e *Engine) failEnqueue(ctx context.Context, j *job.Job, token id.Token, cause error) (*job.Job, error) {
	failure := job.Failure{
		Code:    job.CodeQueueUnavailable,
		Message: "could not hand the job to the work queue",
		Detail:  cause.Error(),
	}

	failed, err := e.store.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StateQueued).Token(token),
		job.ToError(failure, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, cutout.ErrStaleState) {
			return e.store.GetJob(ctx, j.ID)
		}
		return nil, fmt.Errorf("fail enqueue: %w", err)
	}

	e.logger.Error("job failed: queue unavailable",
		slog.String("job_id", failed.ID.String()),
		slog.String("error", cause.Error()),
	)
	e.pushArchive(ctx, failed, failure)
	e.hooks.EmitJobFailed(ctx, failed, failure)
	return failed, nil
}

// GetStatus returns the current job record.
func (e *Engine) GetStatus(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// List returns jobs matching the options.
func (e *Engine) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return e.store.ListJobs(ctx, opts)
}

// Counts returns the number of jobs matching the options.
func (e *Engine) Counts(ctx context.Context, opts job.CountOpts) (int64, error) {
	return e.store.CountJobs(ctx, opts)
}

// Wait long-polls until the job leaves the active phases or the timeout
// elapses, returning the latest record either way.
func (e *Engine) Wait(ctx context.Context, jobID id.JobID, timeout time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		j, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !j.State.Active() || !time.Now().Before(deadline) {
			return j, nil
		}

		interval := waitPollInterval
		if remaining := time.Until(deadline); remaining < interval {
			interval = remaining
		}
		if err := sleep(ctx, interval); err != nil {
			return j, err
		}
	}
}

// Cancel soft-cancels a job: the record flips to cancelled immediately,
// and any execution already running is abandoned when its report arrives
// fenced on a token the store no longer honours.
//
// Cancelling an already-cancelled job is a no-op. Cancelling a completed
// or errored job returns cutout.ErrTerminalState.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	for {
		j, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if j.State == job.StateCancelled {
			return j, nil
		}
		if j.State.Terminal() {
			return j, fmt.Errorf("cancel %s in state %q: %w", jobID, j.State, cutout.ErrTerminalState)
		}

		cancelled, err := e.store.CompareAndUpdateJob(ctx, jobID,
			job.From(j.State),
			job.ToCancelled(time.Now().UTC()))
		if err != nil {
			if errors.Is(err, cutout.ErrStaleState) {
				continue // lost the race, re-read and retry
			}
			return nil, fmt.Errorf("cancel: %w", err)
		}

		e.hooks.EmitJobCancelled(ctx, cancelled)
		return cancelled, nil
	}
}
