// Package memory is a fully in-memory store implementation. Safe for
// concurrent access. Intended for unit testing and single-process
// development deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ archive.Store = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	entries map[string]*archive.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		entries: make(map[string]*archive.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// InsertJob persists a new job.
func (m *Store) InsertJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return cutout.ErrJobAlreadyExists
	}
	m.jobs[key] = cloneJob(j)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, cutout.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// CompareAndUpdateJob applies the update only while the precondition
// holds. The whole check-and-write happens under one lock, which is what
// makes two racing writers produce exactly one winner.
func (m *Store) CompareAndUpdateJob(_ context.Context, jobID id.JobID, pre job.Precondition, upd job.Update) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, cutout.ErrJobNotFound
	}
	if j.State != pre.State {
		return nil, cutout.ErrStaleState
	}
	if pre.DeliveryToken != nil && j.DeliveryToken.String() != pre.DeliveryToken.String() {
		return nil, cutout.ErrStaleState
	}
	if !job.CanTransition(j.State, upd.State()) {
		return nil, cutout.ErrInvalidTransition
	}

	upd.Apply(j, time.Now().UTC())
	return cloneJob(j), nil
}

// ListJobs returns jobs matching the options, ordered by creation time.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.RunID != "" && j.Request.RunID != opts.RunID {
			continue
		}
		jobs = append(jobs, cloneJob(j))
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	return paginate(jobs, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching the options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ListStaleExecuting returns executing jobs whose UpdatedAt is older than
// the given instant.
func (m *Store) ListStaleExecuting(_ context.Context, olderThan time.Time) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateExecuting {
			continue
		}
		if j.UpdatedAt.Before(olderThan) {
			stale = append(stale, cloneJob(j))
		}
	}
	return stale, nil
}

// PurgeJobs deletes terminal jobs past their retention deadline.
func (m *Store) PurgeJobs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, j := range m.jobs {
		if !j.State.Terminal() {
			continue
		}
		if j.DestroyAfter.IsZero() || !j.DestroyAfter.Before(before) {
			continue
		}
		delete(m.jobs, key)
		removed++
	}
	return removed, nil
}

// ──────────────────────────────────────────────────
// Archive Store
// ──────────────────────────────────────────────────

// PushEntry adds a failed-job entry to the archive.
func (m *Store) PushEntry(_ context.Context, entry *archive.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries[entry.ID.String()] = &cp
	return nil
}

// ListEntries returns archive entries, newest first.
func (m *Store) ListEntries(_ context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*archive.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		entries = append(entries, &cp)
	}

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].CreatedAt.After(entries[k].CreatedAt)
	})

	return paginate(entries, opts.Offset, opts.Limit), nil
}

// GetEntry retrieves an archive entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, cutout.ErrArchiveNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkReplayed records that the entry was resubmitted as a new job.
func (m *Store) MarkReplayed(_ context.Context, entryID id.ArchiveID, replayJobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return cutout.ErrArchiveNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	e.ReplayJobID = replayJobID
	return nil
}

// PurgeEntries removes entries that failed before the given time.
func (m *Store) PurgeEntries(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.entries {
		if e.FailedAt.Before(before) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// CountEntries returns the number of archived entries.
func (m *Store) CountEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// ──────────────────────────────────────────────────
// helpers
// ──────────────────────────────────────────────────

// cloneJob returns a deep enough copy that callers can mutate the result
// without racing with the store's record.
func cloneJob(j *job.Job) *job.Job {
	cp := *j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.Request.Stencils != nil {
		cp.Request.Stencils = append(cp.Request.Stencils[:0:0], j.Request.Stencils...)
	}
	return &cp
}

func paginate[T any](items []*T, offset, limit int) []*T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
