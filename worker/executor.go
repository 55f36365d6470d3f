// Package worker runs cutout executions: an Executor that drives a
// single queue delivery through claim, middleware, the Cutter, and the
// report back to the engine, and a Pool of goroutines feeding it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/middleware"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
)

// reportTimeout bounds the outcome report when the execution context is
// already gone.
const reportTimeout = 10 * time.Second

// Cutter produces the cutout artifact for a request. Implementations
// talk to the image store and stage the result in object storage,
// returning only the reference.
type Cutter interface {
	Cut(ctx context.Context, req job.Request) (job.Result, error)
}

// CutterFunc adapts a function to the Cutter interface.
type CutterFunc func(ctx context.Context, req job.Request) (job.Result, error)

// Cut calls f.
func (f CutterFunc) Cut(ctx context.Context, req job.Request) (job.Result, error) {
	return f(ctx, req)
}

// Lifecycle is the slice of the engine the executor needs: claim a
// delivery and report how the execution went.
type Lifecycle interface {
	Claim(ctx context.Context, msg queue.Message) (*job.Job, error)
	ReportSuccess(ctx context.Context, jobID id.JobID, token id.Token, res job.Result) error
	ReportFailure(ctx context.Context, jobID id.JobID, token id.Token, cause error) error
}

// Executor runs one delivery end to end: claim it, run the cutter
// through the middleware chain, and report the outcome.
//
// The delivery is always acked once the report lands. A failed attempt
// does not nack — the engine re-enqueues under a fresh token and the old
// message must not come back. Nack is reserved for faults where the
// report itself could not be recorded.
type Executor struct {
	lifecycle Lifecycle
	cutter    Cutter
	mw        middleware.Middleware
	logger    *slog.Logger
}

// NewExecutor creates an Executor. Middlewares wrap the cutter call in
// the order given, first listed outermost.
func NewExecutor(lc Lifecycle, cutter Cutter, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		lifecycle: lc,
		cutter:    cutter,
		mw:        middleware.Chain(mws...),
		logger:    logger,
	}
}

// Execute processes a single delivery. A stale delivery — its token lost
// the fence to a cancel, a timeout sweep, or a duplicate — is acked and
// dropped without running anything.
func (e *Executor) Execute(ctx context.Context, d *queue.Delivery) error {
	j, err := e.lifecycle.Claim(ctx, d.Message)
	if err != nil {
		if errors.Is(err, cutout.ErrStaleState) {
			return d.Ack(ctx)
		}
		// The claim itself could not be recorded. Leave the message for
		// redelivery.
		if nackErr := d.Nack(ctx); nackErr != nil {
			e.logger.Warn("nack failed after claim error",
				slog.String("job_id", d.Message.JobID.String()),
				slog.String("error", nackErr.Error()),
			)
		}
		return fmt.Errorf("execute: %w", err)
	}

	var res job.Result
	terminal := func(ctx context.Context) error {
		var cutErr error
		res, cutErr = e.cutter.Cut(ctx, j.Request)
		return cutErr
	}

	execErr := e.mw(ctx, j, terminal)

	// The report must land even when the execution context is already
	// cancelled (shutdown mid-job), or the attempt leaks until the sweep
	// reclaims it.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	var reportErr error
	if execErr != nil {
		reportErr = e.lifecycle.ReportFailure(reportCtx, j.ID, d.Message.DeliveryToken, execErr)
	} else {
		reportErr = e.lifecycle.ReportSuccess(reportCtx, j.ID, d.Message.DeliveryToken, res)
	}
	if reportErr != nil {
		if nackErr := d.Nack(reportCtx); nackErr != nil {
			e.logger.Warn("nack failed after report error",
				slog.String("job_id", j.ID.String()),
				slog.String("error", nackErr.Error()),
			)
		}
		return fmt.Errorf("execute: report: %w", reportErr)
	}

	return d.Ack(reportCtx)
}
