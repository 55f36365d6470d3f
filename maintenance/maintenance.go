// Package maintenance runs the periodic housekeeping tasks of the
// service: the timeout sweep that reclaims wedged executions and the
// purge that destroys terminal jobs and archive entries past their
// retention deadline.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
)

// Sweeper reclaims executions past the execution timeout. The engine
// satisfies this.
type Sweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

// JobPurger deletes terminal jobs past their destruction deadline.
type JobPurger interface {
	PurgeJobs(ctx context.Context, before time.Time) (int64, error)
}

// ArchivePurger deletes archive entries that failed before the given
// instant.
type ArchivePurger interface {
	PurgeEntries(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler drives the sweep and purge tasks on cron schedules. Both
// expressions come from the engine configuration and accept standard
// 5-field cron as well as descriptors like "@every 30s" and "@hourly".
type Scheduler struct {
	sweeper Sweeper
	jobs    JobPurger
	entries ArchivePurger
	cfg     cutout.Config
	logger  *slog.Logger
	cron    *cronlib.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithArchivePurger adds archive retention to the purge task. Without
// one, only job records are purged.
func WithArchivePurger(p ArchivePurger) Option {
	return func(s *Scheduler) { s.entries = p }
}

// NewScheduler creates a Scheduler. The schedules are validated at
// Start, not here.
func NewScheduler(sweeper Sweeper, jobs JobPurger, cfg cutout.Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper: sweeper,
		jobs:    jobs,
		cfg:     cfg,
		logger:  slog.Default(),
		cron:    cronlib.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the tasks and launches the cron runner. It returns
// immediately; tasks run on the cron goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		s.RunSweep(context.Background())
	}); err != nil {
		return fmt.Errorf("maintenance: sweep schedule %q: %w", s.cfg.SweepSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, func() {
		s.RunPurge(context.Background())
	}); err != nil {
		return fmt.Errorf("maintenance: purge schedule %q: %w", s.cfg.PurgeSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		slog.String("sweep_schedule", s.cfg.SweepSchedule),
		slog.String("purge_schedule", s.cfg.PurgeSchedule),
	)
	return nil
}

// Stop halts the cron runner and waits for a running task to finish or
// the context deadline to pass.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSweep executes the timeout sweep once.
func (s *Scheduler) RunSweep(ctx context.Context) {
	swept, err := s.sweeper.SweepTimeouts(ctx)
	if err != nil {
		s.logger.Error("timeout sweep failed", slog.String("error", err.Error()))
		return
	}
	if swept > 0 {
		s.logger.Info("timeout sweep reclaimed jobs", slog.Int("count", swept))
	}
}

// RunPurge executes the retention purge once: terminal jobs past their
// destruction deadline, and archive entries older than the retention
// window when an archive purger is configured.
func (s *Scheduler) RunPurge(ctx context.Context) {
	now := time.Now().UTC()

	purged, err := s.jobs.PurgeJobs(ctx, now)
	if err != nil {
		s.logger.Error("job purge failed", slog.String("error", err.Error()))
	} else if purged > 0 {
		s.logger.Info("purged expired jobs", slog.Int64("count", purged))
	}

	if s.entries == nil {
		return
	}
	cutoff := now.Add(-s.cfg.Retention)
	removed, err := s.entries.PurgeEntries(ctx, cutoff)
	if err != nil {
		s.logger.Error("archive purge failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.logger.Info("purged expired archive entries", slog.Int64("count", removed))
	}
}
