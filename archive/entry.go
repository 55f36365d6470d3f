package archive

import (
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Entry represents a job that failed terminally and was archived for
// inspection or replay.
type Entry struct {
	ID           id.ArchiveID `json:"id"`
	JobID        id.JobID     `json:"job_id"`
	Request      job.Request  `json:"request"`
	Failure      job.Failure  `json:"failure"`
	AttemptCount int          `json:"attempt_count"`
	MaxAttempts  int          `json:"max_attempts"`
	FailedAt     time.Time    `json:"failed_at"`
	ReplayedAt   *time.Time   `json:"replayed_at,omitempty"`
	ReplayJobID  id.JobID     `json:"replay_job_id,omitzero"`
	CreatedAt    time.Time    `json:"created_at"`
}

// NewEntry builds an archive entry from a terminally failed job.
func NewEntry(j *job.Job, failure job.Failure) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ID:           id.NewArchiveID(),
		JobID:        j.ID,
		Request:      j.Request,
		Failure:      failure,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		FailedAt:     now,
		CreatedAt:    now,
	}
}
