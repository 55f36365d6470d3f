package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

const archiveColumns = `
	id, job_id, request, failure, attempt_count, max_attempts,
	failed_at, replayed_at, replay_job_id, created_at`

// PushEntry persists a failed-job archive entry.
func (s *Store) PushEntry(ctx context.Context, e *archive.Entry) error {
	request, err := marshalJSON(e.Request)
	if err != nil {
		return err
	}
	failure, err := marshalJSON(e.Failure)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cutout_archive (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.JobID.String(), request, failure,
		e.AttemptCount, e.MaxAttempts,
		e.FailedAt, e.ReplayedAt, tokenString(e.ReplayJobID), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cutout/sqlite: push archive entry: %w", err)
	}
	return nil
}

// ListEntries returns archive entries, newest first.
func (s *Store) ListEntries(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	query := `SELECT ` + archiveColumns + ` FROM cutout_archive ORDER BY created_at DESC`
	args := []any{}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: list archive entries: %w", err)
	}
	defer rows.Close()

	var entries []*archive.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cutout/sqlite: scan archive row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cutout/sqlite: iterate archive rows: %w", err)
	}
	return entries, nil
}

// GetEntry retrieves an archive entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+archiveColumns+` FROM cutout_archive WHERE id = ?`, entryID.String())

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cutout.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("cutout/sqlite: get archive entry: %w", err)
	}
	return e, nil
}

// MarkReplayed records that an entry was resubmitted as a new job.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.ArchiveID, replayJobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cutout_archive SET replayed_at = ?, replay_job_id = ?
		WHERE id = ?`,
		time.Now().UTC(), replayJobID.String(), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("cutout/sqlite: mark replayed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cutout/sqlite: mark replayed: %w", err)
	}
	if affected == 0 {
		return cutout.ErrArchiveNotFound
	}
	return nil
}

// PurgeEntries deletes entries that failed before the given instant.
func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cutout_archive WHERE failed_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("cutout/sqlite: purge archive entries: %w", err)
	}
	return res.RowsAffected()
}

// CountEntries returns the total number of archive entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cutout_archive`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cutout/sqlite: count archive entries: %w", err)
	}
	return count, nil
}

func scanEntry(row rowScanner) (*archive.Entry, error) {
	var (
		e         archive.Entry
		idStr     string
		jobStr    string
		request   []byte
		failure   []byte
		replayStr string
	)
	err := row.Scan(
		&idStr, &jobStr, &request, &failure,
		&e.AttemptCount, &e.MaxAttempts,
		&e.FailedAt, &e.ReplayedAt, &replayStr, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseArchiveID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("cutout/sqlite: parse archive id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedJob, jobErr := id.ParseJobID(jobStr)
	if jobErr != nil {
		return nil, fmt.Errorf("cutout/sqlite: parse job id %q: %w", jobStr, jobErr)
	}
	e.JobID = parsedJob

	if replayStr != "" {
		replay, replayErr := id.ParseJobID(replayStr)
		if replayErr != nil {
			return nil, fmt.Errorf("cutout/sqlite: parse replay job id %q: %w", replayStr, replayErr)
		}
		e.ReplayJobID = replay
	}

	if err := json.Unmarshal(request, &e.Request); err != nil {
		return nil, fmt.Errorf("cutout/sqlite: decode archived request: %w", err)
	}
	if err := json.Unmarshal(failure, &e.Failure); err != nil {
		return nil, fmt.Errorf("cutout/sqlite: decode archived failure: %w", err)
	}

	return &e, nil
}
