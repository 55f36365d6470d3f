// Package store defines the aggregate persistence interface. The job
// store and the failed-job archive each define their own contract; the
// composite Store composes them. Backends: Postgres, SQLite, and Memory.
package store

import (
	"context"

	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Store is the aggregate persistence interface. A single backend
// (postgres, sqlite, memory) implements all of it.
type Store interface {
	job.Store
	archive.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
