package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
	"golang.org/x/time/rate"
)

// Pool manages a set of concurrent goroutines that dequeue deliveries
// and feed them to the Executor.
type Pool struct {
	q           queue.Queue
	executor    *Executor
	concurrency int
	limiter     *rate.Limiter
	workerID    id.WorkerID
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithDispatchRate caps sustained executions per second across the
// whole pool. Zero or negative disables the limiter.
func WithDispatchRate(perSecond float64) PoolOption {
	return func(p *Pool) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithPoolLogger sets a custom logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool over the queue and executor.
func NewPool(q queue.Queue, executor *Executor, opts ...PoolOption) *Pool {
	p := &Pool{
		q:           q,
		executor:    executor,
		concurrency: cutout.DefaultConfig().Concurrency,
		workerID:    id.NewWorkerID(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop(runCtx)
	}
	return nil
}

// Stop cancels the dequeue loops and waits for in-flight executions to
// finish or the context deadline to pass, whichever comes first. An
// execution cut off mid-flight is safe: its token stays live until the
// timeout sweep reclaims the job.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out",
			slog.String("worker_id", p.workerID.String()))
		return ctx.Err()
	}
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		d, err := p.q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, cutout.ErrQueueClosed) {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			continue
		}

		if execErr := p.executor.Execute(ctx, d); execErr != nil {
			p.logger.Error("execution not recorded",
				slog.String("job_id", d.Message.JobID.String()),
				slog.String("error", execErr.Error()),
			)
		}
	}
}
