// Package sqlite implements the cutout store on SQLite via
// database/sql and mattn/go-sqlite3. It serves single-node deployments
// and local development; the semantics match the PostgreSQL backend,
// with the compare-and-update fence expressed the same way in the
// UPDATE's WHERE clause.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Compile-time interface checks.
var (
	_ job.Store     = (*Store)(nil)
	_ archive.Store = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (or creates) a SQLite database at the given path. Use
// ":memory:" for an ephemeral store.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_fk=1"
	if strings.HasPrefix(path, ":memory:") {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("cutout/sqlite: open %s: %w", path, err)
	}
	// SQLite allows one writer at a time. A single connection keeps
	// racing compare-and-update transactions queued instead of failing
	// with SQLITE_BUSY, and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// schema is applied idempotently on Migrate. SQLite deployments are
// single-node, so the versioned-migration machinery of the PostgreSQL
// backend is not worth carrying here.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS cutout_jobs (
		id              TEXT PRIMARY KEY,
		dataset_id      TEXT NOT NULL,
		stencils        TEXT NOT NULL,
		run_id          TEXT NOT NULL DEFAULT '',
		state           TEXT NOT NULL DEFAULT 'pending',
		delivery_token  TEXT NOT NULL DEFAULT '',
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL DEFAULT 3,
		result          TEXT,
		error           TEXT,
		last_error      TEXT NOT NULL DEFAULT '',
		started_at      TIMESTAMP,
		finished_at     TIMESTAMP,
		destroy_after   TIMESTAMP NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cutout_jobs_state ON cutout_jobs (state)`,
	`CREATE INDEX IF NOT EXISTS idx_cutout_jobs_run ON cutout_jobs (run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cutout_jobs_stale ON cutout_jobs (state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS cutout_archive (
		id              TEXT PRIMARY KEY,
		job_id          TEXT NOT NULL,
		request         TEXT NOT NULL,
		failure         TEXT NOT NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL DEFAULT 3,
		failed_at       TIMESTAMP NOT NULL,
		replayed_at     TIMESTAMP,
		replay_job_id   TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cutout_archive_created ON cutout_archive (created_at DESC)`,
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cutout/sqlite: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ── helpers ─────────────────────────────────────────

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
