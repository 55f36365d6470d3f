package maintenance_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/engine"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/maintenance"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
	"github.com/lsst-sqre/ivoa-cutout-poc/region"
	"github.com/lsst-sqre/ivoa-cutout-poc/store/memory"
)

var discard = slog.New(slog.DiscardHandler)

type countingSweeper struct {
	calls atomic.Int64
}

func (c *countingSweeper) SweepTimeouts(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

type countingPurger struct {
	jobCalls   atomic.Int64
	entryCalls atomic.Int64
	lastCutoff atomic.Value
}

func (c *countingPurger) PurgeJobs(_ context.Context, _ time.Time) (int64, error) {
	c.jobCalls.Add(1)
	return 0, nil
}

func (c *countingPurger) PurgeEntries(_ context.Context, before time.Time) (int64, error) {
	c.entryCalls.Add(1)
	c.lastCutoff.Store(before)
	return 0, nil
}

func TestScheduler_RunSweepOnce(t *testing.T) {
	t.Parallel()

	sw := &countingSweeper{}
	p := &countingPurger{}
	s := maintenance.NewScheduler(sw, p, cutout.DefaultConfig(), maintenance.WithLogger(discard))

	s.RunSweep(context.Background())
	if got := sw.calls.Load(); got != 1 {
		t.Fatalf("sweep calls = %d, want 1", got)
	}
}

func TestScheduler_RunPurgeOnce(t *testing.T) {
	t.Parallel()

	cfg := cutout.DefaultConfig()
	sw := &countingSweeper{}
	p := &countingPurger{}
	s := maintenance.NewScheduler(sw, p, cfg,
		maintenance.WithLogger(discard),
		maintenance.WithArchivePurger(p),
	)

	before := time.Now().UTC()
	s.RunPurge(context.Background())

	if got := p.jobCalls.Load(); got != 1 {
		t.Fatalf("job purge calls = %d, want 1", got)
	}
	if got := p.entryCalls.Load(); got != 1 {
		t.Fatalf("entry purge calls = %d, want 1", got)
	}

	// The archive cutoff must trail now by the retention window.
	cutoff := p.lastCutoff.Load().(time.Time)
	want := before.Add(-cfg.Retention)
	if cutoff.Before(want.Add(-time.Minute)) || cutoff.After(want.Add(time.Minute)) {
		t.Errorf("archive cutoff = %v, want ~%v", cutoff, want)
	}
}

func TestScheduler_RunPurgeWithoutArchive(t *testing.T) {
	t.Parallel()

	sw := &countingSweeper{}
	p := &countingPurger{}
	s := maintenance.NewScheduler(sw, p, cutout.DefaultConfig(), maintenance.WithLogger(discard))

	s.RunPurge(context.Background())
	if got := p.entryCalls.Load(); got != 0 {
		t.Fatalf("entry purge calls = %d, want 0", got)
	}
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	cfg := cutout.DefaultConfig()
	cfg.SweepSchedule = "not a schedule"
	s := maintenance.NewScheduler(&countingSweeper{}, &countingPurger{}, cfg,
		maintenance.WithLogger(discard))

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	t.Parallel()

	cfg := cutout.DefaultConfig()
	cfg.SweepSchedule = "@every 100ms"
	cfg.PurgeSchedule = "@every 100ms"

	sw := &countingSweeper{}
	p := &countingPurger{}
	s := maintenance.NewScheduler(sw, p, cfg, maintenance.WithLogger(discard))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sw.calls.Load() == 0 || p.jobCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tasks never fired: sweep=%d purge=%d", sw.calls.Load(), p.jobCalls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// End to end: a wedged execution is reclaimed by the scheduled sweep.
func TestScheduler_SweepReclaimsWedgedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := cutout.DefaultConfig()
	cfg.ExecutionTimeout = time.Millisecond
	cfg.SweepSchedule = "@every 100ms"

	s := memory.New()
	q := queue.NewMemory()
	eng, err := engine.New(s, q, engine.WithConfig(cfg), engine.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}

	req := job.Request{
		DatasetID: "butler://dp02/visit/777",
		Stencils: region.List{
			region.Circle{Center: region.Point{RA: 10, Dec: 10}, Radius: 0.5},
		},
	}
	submitted, err := eng.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Claim(ctx, d.Message); err != nil {
		t.Fatal(err)
	}
	// The worker never reports.
	time.Sleep(10 * time.Millisecond)

	sched := maintenance.NewScheduler(eng, s, cfg, maintenance.WithLogger(discard))
	sched.RunSweep(ctx)

	reclaimed, err := eng.GetStatus(ctx, submitted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed.State != job.StateQueued {
		t.Fatalf("state = %s, want queued", reclaimed.State)
	}
	if reclaimed.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", reclaimed.AttemptCount)
	}
}
