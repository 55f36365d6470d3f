// Package engine implements the cutout job lifecycle: accept and persist
// requests, hand them to the work queue exactly once, apply worker
// reports, and sweep executions past their deadline.
//
// Every mutation after insert goes through the store's compare-and-update
// primitive, fenced on the expected state and, for worker reports, on the
// delivery token minted at enqueue time. Redelivered or superseded
// messages therefore resolve to harmless no-ops: the token they carry no
// longer matches, the update loses, and the engine logs and moves on.
package engine

import (
	"context"
	"log/slog"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/backoff"
	"github.com/lsst-sqre/ivoa-cutout-poc/hook"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
)

// Engine drives the job state machine over a store and a work queue.
type Engine struct {
	store   job.Store
	queue   queue.Queue
	archive archive.Store
	hooks   *hook.Registry
	bo      backoff.Strategy
	cfg     cutout.Config
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Defaults to
// cutout.DefaultConfig().
func WithConfig(cfg cutout.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBackoff sets the enqueue retry backoff strategy. If not set,
// backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(ext hook.Extension) Option {
	return func(e *Engine) { e.hooks.Register(ext) }
}

// WithArchive sets the failed-job archive. Jobs that fail terminally are
// pushed there; without one, terminal failures are only logged.
func WithArchive(s archive.Store) Option {
	return func(e *Engine) { e.archive = s }
}

// New creates an Engine over the given store and queue.
func New(store job.Store, q queue.Queue, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, cutout.ErrNoStore
	}
	if q == nil {
		return nil, cutout.ErrQueueUnavailable
	}

	e := &Engine{
		store:  store,
		queue:  q,
		cfg:    cutout.DefaultConfig(),
		logger: slog.Default(),
	}
	e.hooks = hook.NewRegistry(e.logger)
	for _, opt := range opts {
		opt(e)
	}
	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}
	return e, nil
}

// Hooks returns the lifecycle extension registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Config returns the engine configuration.
func (e *Engine) Config() cutout.Config { return e.cfg }

// Close notifies extensions of shutdown. The store and queue lifecycles
// belong to the caller.
func (e *Engine) Close(ctx context.Context) error {
	e.hooks.EmitShutdown(ctx)
	return nil
}

// enqueueWithRetry publishes the message, retrying transient queue faults
// within the configured budget.
func (e *Engine) enqueueWithRetry(ctx context.Context, msg queue.Message) error {
	var err error
	for attempt := 0; attempt <= e.cfg.EnqueueRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := sleep(ctx, e.bo.Delay(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
		if err = e.queue.Enqueue(ctx, msg); err == nil {
			return nil
		}
		e.logger.Warn("enqueue failed",
			slog.String("job_id", msg.JobID.String()),
			slog.Int("enqueue_attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
