package archive

import (
	"context"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Submitter accepts a cutout request and returns the new job. The
// lifecycle engine satisfies this.
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
}

// Service provides high-level archive operations over a Store.
type Service struct {
	store     Store
	submitter Submitter
}

// NewService creates an archive service. The submitter is used by Replay
// to resubmit archived requests as new jobs.
func NewService(store Store, submitter Submitter) *Service {
	return &Service{store: store, submitter: submitter}
}

// Push builds an archive entry from a terminally failed job and persists
// it.
func (s *Service) Push(ctx context.Context, j *job.Job, failure job.Failure) error {
	return s.store.PushEntry(ctx, NewEntry(j, failure))
}

// Replay submits the archived request as a brand-new job and marks the
// entry as replayed. The original job keeps its terminal state; the new
// job has a fresh ID and a full attempt budget.
func (s *Service) Replay(ctx context.Context, entryID id.ArchiveID) (*job.Job, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j, err := s.submitter.Submit(ctx, entry.Request)
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkReplayed(ctx, entryID, j.ID); err != nil {
		// The new job is already submitted. Surface the bookkeeping
		// failure but keep the job.
		return j, err
	}

	return j, nil
}

// ArchiveStore returns the underlying store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) ArchiveStore() Store {
	return s.store
}
