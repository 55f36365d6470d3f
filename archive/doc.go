// Package archive preserves jobs that failed terminally — attempt budget
// spent, or the queue refused them for good. It supports inspection,
// replay, and purging.
//
// When the engine drives a job to the error state it pushes an [Entry]
// capturing the original request, the failure, and the spent attempt
// counts. The job record itself stays in the job store until retention
// removes it; the archive entry outlives it for debugging.
//
// # Replay
//
// Replaying an entry submits the archived request as a brand-new job
// with a fresh ID. The failed job is never resurrected — terminal states
// stay terminal. Replay sets ReplayedAt on the entry and records the new
// job's ID.
//
// # Admin API
//
// The archive is exposed via the HTTP API:
//   - GET  /v1/archive                 — list entries
//   - GET  /v1/archive/:entryId        — get a single entry
//   - POST /v1/archive/:entryId/replay — replay one entry
//   - POST /v1/archive/purge           — purge old entries
//   - GET  /v1/archive/count           — entry count
package archive
