// Package job defines the cutout job entity, its state machine, and the
// persistence contract the lifecycle engine runs on.
//
// A job moves pending → queued → executing → completed along the happy
// path, with executing → queued re-entry on failure or timeout (bounded
// by the attempt budget) and cancellation allowed from any non-terminal
// state. Transition payloads are built through constructors so that
// invalid combinations — a result on a failed job, an error on a
// completed one — are unrepresentable.
package job
