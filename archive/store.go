package archive

import (
	"context"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

// ListOpts controls pagination for archive list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
}

// Store defines the persistence contract for the failed-job archive.
type Store interface {
	// PushEntry adds a terminally failed job entry to the archive.
	PushEntry(ctx context.Context, entry *Entry) error

	// ListEntries returns archive entries matching the given options,
	// newest first.
	ListEntries(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetEntry retrieves an archive entry by ID, or
	// cutout.ErrArchiveNotFound.
	GetEntry(ctx context.Context, entryID id.ArchiveID) (*Entry, error)

	// MarkReplayed records that the entry was replayed as the given new
	// job. The actual resubmission is handled at the service layer.
	MarkReplayed(ctx context.Context, entryID id.ArchiveID, replayJobID id.JobID) error

	// PurgeEntries removes entries with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeEntries(ctx context.Context, before time.Time) (int64, error)

	// CountEntries returns the total number of archived entries.
	CountEntries(ctx context.Context) (int64, error)
}
