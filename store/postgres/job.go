package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cutout_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		j.ID.String(), j.Request.DatasetID, stencils, j.Request.RunID,
		string(j.State), tokenString(j.DeliveryToken),
		j.AttemptCount, j.MaxAttempts, result, failure, j.LastError,
		j.StartedAt, j.FinishedAt, j.DestroyAfter, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cutout.ErrJobAlreadyExists
		}
		return fmt.Errorf("cutout/postgres: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM cutout_jobs WHERE id = $1`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cutout.ErrJobNotFound
		}
		return nil, fmt.Errorf("cutout/postgres: get job: %w", err)
	}
	return j, nil
}

// CompareAndUpdateJob atomically applies the update when the stored
// state (and, if fenced, the delivery token) still matches the
// precondition. The fence lives in the UPDATE's WHERE clause, so two
// racing writers resolve to exactly one winner at the database.
func (s *Store) CompareAndUpdateJob(ctx context.Context, jobID id.JobID, pre job.Precondition, upd job.Update) (*job.Job, error) {
	if !job.CanTransition(pre.State, upd.State()) {
		return nil, s.classifyCASFailure(ctx, jobID, pre, cutout.ErrInvalidTransition)
	}

	args := []any{jobID.String(), string(pre.State)}
	sets := []string{"updated_at = NOW()"}
	idx := 3
	add := func(column string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, val)
		idx++
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

	where := "id = $1 AND state = $2"
	if pre.DeliveryToken != nil {
		where += fmt.Sprintf(" AND delivery_token = $%d", idx)
		args = append(args, pre.DeliveryToken.String())
	}

	query := "UPDATE cutout_jobs SET " + joinSets(sets) +
		" WHERE " + where + " RETURNING " + jobColumns

	row := s.pool.QueryRow(ctx, query, args...)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.classifyCASFailure(ctx, jobID, pre, cutout.ErrStaleState)
		}
		return nil, fmt.Errorf("cutout/postgres: compare and update: %w", err)
	}
	return j, nil
}

// classifyCASFailure distinguishes a missing job from a lost fence. The
// fallback error is returned when the job exists and its state matches
// the precondition (so only the token or the edge was the problem).
func (s *Store) classifyCASFailure(ctx context.Context, jobID id.JobID, pre job.Precondition, fallback error) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM cutout_jobs WHERE id = $1`, jobID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return cutout.ErrJobNotFound
		}
		return fmt.Errorf("cutout/postgres: compare and update: %w", err)
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
	idx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", idx)
		args = append(args, string(opts.State))
		idx++
	}
	if opts.RunID != "" {
		query += fmt.Sprintf(" AND run_id = $%d", idx)
		args = append(args, opts.RunID)
		idx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, opts.Limit)
		idx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cutout/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM cutout_jobs`
	args := []any{}
	if opts.State != "" {
		query += " WHERE state = $1"
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("cutout/postgres: count jobs: %w", err)
	}
	return count, nil
}

// ListStaleExecuting returns executing jobs whose last update is older
// than the given instant.
func (s *Store) ListStaleExecuting(ctx context.Context, olderThan time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM cutout_jobs
		WHERE state = 'executing' AND updated_at < $1
		ORDER BY updated_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("cutout/postgres: list stale executing: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// PurgeJobs deletes terminal jobs whose destruction deadline has passed.
func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cutout_jobs
		WHERE state IN ('completed', 'error', 'cancelled')
		  AND destroy_after < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("cutout/postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Row scanning ────────────────────────────────────

func scanJob(row pgx.Row) (*job.Job, error) {
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
		return nil, fmt.Errorf("cutout/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if tokenStr != "" {
		tok, tokErr := id.ParseToken(tokenStr)
		if tokErr != nil {
			return nil, fmt.Errorf("cutout/postgres: parse delivery token %q: %w", tokenStr, tokErr)
		}
		j.DeliveryToken = tok
	}

	if err := json.Unmarshal(stencils, &j.Request.Stencils); err != nil {
		return nil, fmt.Errorf("cutout/postgres: decode stencils: %w", err)
	}
	if len(result) > 0 {
		j.Result = &job.Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("cutout/postgres: decode result: %w", err)
		}
	}
	if len(failure) > 0 {
		j.Error = &job.Failure{}
		if err := json.Unmarshal(failure, j.Error); err != nil {
			return nil, fmt.Errorf("cutout/postgres: decode error: %w", err)
		}
	}

	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("cutout/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cutout/postgres: iterate job rows: %w", err)
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
// literal "null" in a NOT NULL-adjacent column.
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
