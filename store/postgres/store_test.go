//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/region"
	"github.com/lsst-sqre/ivoa-cutout-poc/store/postgres"
)

// setupTestStore creates a Postgres container and returns a migrated
// store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("cutout_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return store
}

func newTestJob() *job.Job {
	return &job.Job{
		Entity: cutout.NewEntity(),
		ID:     id.NewJobID(),
		Request: job.Request{
			DatasetID: "butler://dp02/visit/12345",
			RunID:     "night-42",
			Stencils: region.List{
				region.Circle{Center: region.Point{RA: 128.5, Dec: -42.1}, Radius: 0.5},
			},
		},
		State:        job.StatePending,
		MaxAttempts:  3,
		DestroyAfter: time.Now().UTC().Add(30 * 24 * time.Hour),
	}
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	j := newTestJob()

	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Request.DatasetID != j.Request.DatasetID {
		t.Errorf("dataset_id = %s", got.Request.DatasetID)
	}
	if len(got.Request.Stencils) != 1 {
		t.Fatalf("stencils = %d, want 1", len(got.Request.Stencils))
	}
	circle, ok := got.Request.Stencils[0].(region.Circle)
	if !ok {
		t.Fatalf("stencil type = %T, want Circle", got.Request.Stencils[0])
	}
	if circle.Radius != 0.5 {
		t.Errorf("radius = %v", circle.Radius)
	}
	if got.State != job.StatePending {
		t.Errorf("state = %s", got.State)
	}
}

func TestStore_InsertDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	j := newTestJob()

	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertJob(ctx, j); !errors.Is(err, cutout.ErrJobAlreadyExists) {
		t.Fatalf("err = %v, want ErrJobAlreadyExists", err)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, cutout.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestStore_CompareAndUpdate_FullWalk(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	j := newTestJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	token := id.NewToken()
	queued, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StatePending), job.ToQueued(token, 1))
	if err != nil {
		t.Fatalf("to queued: %v", err)
	}
	if queued.State != job.StateQueued || queued.AttemptCount != 1 {
		t.Fatalf("queued = %s attempt %d", queued.State, queued.AttemptCount)
	}
	if queued.DeliveryToken.String() != token.String() {
		t.Fatalf("token = %s", queued.DeliveryToken)
	}

	executing, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StateQueued).Token(token), job.ToExecuting(time.Now().UTC()))
	if err != nil {
		t.Fatalf("to executing: %v", err)
	}
	if executing.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}

	res := job.Result{ResultID: "cutout", URL: "s3://bucket/x.fits"}
	completed, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StateExecuting).Token(token), job.ToCompleted(res, time.Now().UTC()))
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if completed.Result == nil || completed.Result.URL != "s3://bucket/x.fits" {
		t.Fatalf("result = %+v", completed.Result)
	}
	if completed.FinishedAt == nil {
		t.Fatal("FinishedAt not set")
	}
}

func TestStore_CompareAndUpdate_StaleToken(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	j := newTestJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	live := id.NewToken()
	if _, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StatePending), job.ToQueued(live, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StateQueued).Token(live), job.ToExecuting(time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	stale := id.NewToken()
	_, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StateExecuting).Token(stale),
		job.ToCompleted(job.Result{ResultID: "x", URL: "s3://bucket/x"}, time.Now().UTC()))
	if !errors.Is(err, cutout.ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}
}

func TestStore_CompareAndUpdate_InvalidEdge(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	j := newTestJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	_, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StatePending),
		job.ToCompleted(job.Result{ResultID: "x", URL: "s3://bucket/x"}, time.Now().UTC()))
	if !errors.Is(err, cutout.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_CompareAndUpdate_ExactlyOneWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	j := newTestJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	token := id.NewToken()
	if _, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StatePending), job.ToQueued(token, 1)); err != nil {
		t.Fatal(err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var wins, stales int64
	var mu sync.Mutex

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndUpdateJob(ctx, j.ID,
				job.From(job.StateQueued).Token(token),
				job.ToExecuting(time.Now().UTC()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, cutout.ErrStaleState):
				stales++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if stales != racers-1 {
		t.Errorf("stales = %d, want %d", stales, racers-1)
	}
}

func TestStore_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for range 3 {
		if err := s.InsertJob(ctx, newTestJob()); err != nil {
			t.Fatal(err)
		}
	}
	other := newTestJob()
	other.Request.RunID = "night-43"
	if err := s.InsertJob(ctx, other); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}

	byRun, err := s.ListJobs(ctx, job.ListOpts{RunID: "night-43"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRun) != 1 {
		t.Fatalf("run filter len = %d, want 1", len(byRun))
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("count = %d, want 4", n)
	}
}

func TestStore_ListStaleExecuting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob()
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	token := id.NewToken()
	if _, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StatePending), job.ToQueued(token, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompareAndUpdateJob(ctx, j.ID,
		job.From(job.StateQueued).Token(token), job.ToExecuting(time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleExecuting(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale len = %d, want 1", len(stale))
	}

	fresh, err := s.ListStaleExecuting(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 0 {
		t.Fatalf("fresh len = %d, want 0", len(fresh))
	}
}

func TestStore_PurgeJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	expired := newTestJob()
	expired.State = job.StateCompleted
	expired.DestroyAfter = time.Now().UTC().Add(-time.Hour)
	if err := s.InsertJob(ctx, expired); err != nil {
		t.Fatal(err)
	}

	active := newTestJob()
	active.DestroyAfter = time.Now().UTC().Add(-time.Hour) // past deadline but not terminal
	if err := s.InsertJob(ctx, active); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := s.GetJob(ctx, active.ID); err != nil {
		t.Fatalf("active job was purged: %v", err)
	}
}

func TestStore_ArchiveRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob()
	failure := job.Failure{Code: job.CodeWorkerFailed, Message: "cutout execution failed", Detail: "boom"}
	entry := archive.NewEntry(j, failure)

	if err := s.PushEntry(ctx, entry); err != nil {
		t.Fatalf("PushEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.JobID.String() != j.ID.String() {
		t.Errorf("job_id = %s", got.JobID)
	}
	if got.Failure.Code != job.CodeWorkerFailed {
		t.Errorf("failure code = %s", got.Failure.Code)
	}
	if got.Request.DatasetID != j.Request.DatasetID {
		t.Errorf("dataset_id = %s", got.Request.DatasetID)
	}
	if got.ReplayedAt != nil {
		t.Error("fresh entry marked replayed")
	}

	replay := id.NewJobID()
	if err := s.MarkReplayed(ctx, entry.ID, replay); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	got, err = s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReplayedAt == nil || got.ReplayJobID.String() != replay.String() {
		t.Errorf("replay bookkeeping = %v %s", got.ReplayedAt, got.ReplayJobID)
	}

	entries, err := s.ListEntries(ctx, archive.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	n, err := s.CountEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	purged, err := s.PurgeEntries(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}

func TestStore_ArchiveGetMissing(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.GetEntry(context.Background(), id.NewArchiveID()); !errors.Is(err, cutout.ErrArchiveNotFound) {
		t.Fatalf("err = %v, want ErrArchiveNotFound", err)
	}
}
