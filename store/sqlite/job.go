package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

const jobColumns = `
	id, dataset_id, stencils, run_id, state, delivery_token,
	attempt_count, max_attempts, result, error, last_error,
	started_at, finished_at, destroy_after, created_at, updated_at`

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	stencils, err := marshalJSON(j.Request.Stencils)
	if err != nil {
		return err
	}
	result, err := marshalJSON(jsonOrNil(j.Result))
	if err != nil {
		return err
	}
	failure, err := marshalJSON(jsonOrNil(j.Error))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cutout_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Request.DatasetID, stencils, j.Request.RunID,
		string(j.State), tokenString(j.DeliveryToken),
		j.AttemptCount, j.MaxAttempts, result, failure, j.LastError,
		j.StartedAt, j.FinishedAt, j.DestroyAfter, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cutout.ErrJobAlreadyExists
		}
		return fmt.Errorf("cutout/sqlite: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cutout_jobs WHERE id = ?`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cutout.ErrJobNotFound
		}
		return nil, fmt.Errorf("cutout/sqlite: get job: %w", err)
	}
	return j, nil
}

// CompareAndUpdateJob atomically applies the update when the stored
// state (and, if fenced, the delivery token) still matches the
// precondition. The fence lives in the UPDATE's WHERE clause; the
// update and the re-read share one transaction.
func (s *Store) CompareAndUpdateJob(ctx context.Context, jobID id.JobID, pre job.Precondition, upd job.Update) (*job.Job, error) {
	if !job.CanTransition(pre.State, upd.State()) {
		return nil, s.classifyCASFailure(ctx, jobID, pre, cutout.ErrInvalidTransition)
	}

	sets := []string{"updated_at = ?"}
	setArgs := []any{time.Now().UTC()}
	add := func(column string, val any) {
		sets = append(sets, column+" = ?")
		setArgs = append(setArgs, val)
	}

	add("state", string(upd.State()))
	token, attempt, result, failure, lastError, startedAt, finishedAt := upd.Fields()
	if token != nil {
		add("delivery_token", token.String())
	}
	if attempt != nil {
		add("attempt_count", *attempt)
	}
	if lastError != nil {
		add("last_error", *lastError)
	}
	if startedAt != nil {
		add("started_at", *startedAt)
	}
	if finishedAt != nil {
		add("finished_at", *finishedAt)
	}

	// Result iff completed, error iff error.
	switch upd.State() {
	case job.StateCompleted:
		data, err := marshalJSON(result)
		if err != nil {
			return nil, err
		}
		add("result", data)
		sets = append(sets, "error = NULL")
	case job.StateError:
		data, err := marshalJSON(failure)
		if err != nil {
			return nil, err
		}
		add("error", data)
		sets = append(sets, "result = NULL")
	default:
		sets = append(sets, "result = NULL", "error = NULL")
	}

	where := "id = ? AND state = ?"
	whereArgs := []any{jobID.String(), string(pre.State)}
	if pre.DeliveryToken != nil {
		where += " AND delivery_token = ?"
		whereArgs = append(whereArgs, pre.DeliveryToken.String())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: compare and update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		"UPDATE cutout_jobs SET "+joinSets(sets)+" WHERE "+where,
		append(setArgs, whereArgs...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: compare and update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: compare and update: %w", err)
	}
	if affected == 0 {
		return nil, s.classifyCASFailure(ctx, jobID, pre, cutout.ErrStaleState)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cutout_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: compare and update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cutout/sqlite: compare and update: %w", err)
	}
	return j, nil
}

// classifyCASFailure distinguishes a missing job from a lost fence. The
// fallback error is returned when the job exists and its state matches
// the precondition (so only the token or the edge was the problem).
func (s *Store) classifyCASFailure(ctx context.Context, jobID id.JobID, pre job.Precondition, fallback error) error {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM cutout_jobs WHERE id = ?`, jobID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return cutout.ErrJobNotFound
		}
		return fmt.Errorf("cutout/sqlite: compare and update: %w", err)
	}
	if state != string(pre.State) {
		return cutout.ErrStaleState
	}
	return fallback
}

// ListJobs returns jobs matching the options, ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM cutout_jobs WHERE 1=1`
	args := []any{}

	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}
	if opts.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, opts.RunID)
	}

	query += " ORDER BY created_at ASC"

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
		return nil, fmt.Errorf("cutout/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM cutout_jobs`
	args := []any{}
	if opts.State != "" {
		query += " WHERE state = ?"
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("cutout/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// ListStaleExecuting returns executing jobs whose last update is older
// than the given instant.
func (s *Store) ListStaleExecuting(ctx context.Context, olderThan time.Time) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM cutout_jobs
		WHERE state = 'executing' AND updated_at < ?
		ORDER BY updated_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: list stale executing: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// PurgeJobs deletes terminal jobs whose destruction deadline has passed.
func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cutout_jobs
		WHERE state IN ('completed', 'error', 'cancelled')
		  AND destroy_after < ?`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("cutout/sqlite: purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// ── Row scanning ────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j        job.Job
		idStr    string
		stencils []byte
		stateStr string
		tokenStr string
		result   []byte
		failure  []byte
	)
	err := row.Scan(
		&idStr, &j.Request.DatasetID, &stencils, &j.Request.RunID,
		&stateStr, &tokenStr,
		&j.AttemptCount, &j.MaxAttempts, &result, &failure, &j.LastError,
		&j.StartedAt, &j.FinishedAt, &j.DestroyAfter, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("cutout/sqlite: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if tokenStr != "" {
		tok, tokErr := id.ParseToken(tokenStr)
		if tokErr != nil {
			return nil, fmt.Errorf("cutout/sqlite: parse delivery token %q: %w", tokenStr, tokErr)
		}
		j.DeliveryToken = tok
	}

	if err := json.Unmarshal(stencils, &j.Request.Stencils); err != nil {
		return nil, fmt.Errorf("cutout/sqlite: decode stencils: %w", err)
	}
	if len(result) > 0 {
		j.Result = &job.Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("cutout/sqlite: decode result: %w", err)
		}
	}
	if len(failure) > 0 {
		j.Error = &job.Failure{}
		if err := json.Unmarshal(failure, j.Error); err != nil {
			return nil, fmt.Errorf("cutout/sqlite: decode error: %w", err)
		}
	}

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("cutout/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cutout/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}

func tokenString(tok id.Token) string {
	if tok.IsNil() {
		return ""
	}
	return tok.String()
}

// jsonOrNil keeps a typed nil pointer from marshaling as the JSON
// literal "null".
func jsonOrNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// marshalJSON serializes v for a TEXT column, nil stays NULL.
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: marshal: %w", err)
	}
	return data, nil
}
