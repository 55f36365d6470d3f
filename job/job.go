package job

import (
	"time"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

// State represents the lifecycle state of a cutout job.
type State string

const (
	// StatePending means the job is accepted but not yet handed to the
	// work queue.
	StatePending State = "pending"
	// StateQueued means the job has a live delivery token and is waiting
	// for a worker to claim it.
	StateQueued State = "queued"
	// StateExecuting means a worker has claimed the delivery and is
	// running the cutout.
	StateExecuting State = "executing"
	// StateCompleted means the cutout finished and a result reference is
	// available.
	StateCompleted State = "completed"
	// StateError means the job failed permanently and carries a
	// structured error.
	StateError State = "error"
	// StateCancelled means the job was cancelled by the client.
	StateCancelled State = "cancelled"
)

// transitions is the closed edge set of the state machine. The only cycle
// is executing→queued (re-enqueue after failure or timeout), bounded by
// the attempt budget.
var transitions = map[State]map[State]bool{
	StatePending:   {StateQueued: true, StateError: true, StateCancelled: true},
	StateQueued:    {StateExecuting: true, StateError: true, StateCancelled: true},
	StateExecuting: {StateCompleted: true, StateQueued: true, StateError: true, StateCancelled: true},
}

// CanTransition reports whether the edge from→to exists in the state
// machine. Terminal states have no outgoing edges.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Terminal reports whether the state accepts no further events.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the job is still in flight and can be waited on.
func (s State) Active() bool {
	switch s {
	case StatePending, StateQueued, StateExecuting:
		return true
	default:
		return false
	}
}

// Failure error codes.
const (
	CodeQueueUnavailable = "queue_unavailable"
	CodeWorkerFailed     = "worker_execution_error"
	CodeTimeout          = "timeout"
)

// Failure is the structured error recorded on a job that reached the
// error state.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Result references the output artifact of a completed cutout. The engine
// stores only the reference; the artifact itself lives in object storage.
type Result struct {
	ResultID string `json:"result_id"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Job is the durable record of a single cutout request.
//
// Invariants maintained by the engine and checked by the update
// constructors: Result is present iff State is completed, Error is present
// iff State is error, and exactly one DeliveryToken is valid while the job
// is queued or executing.
type Job struct {
	cutout.Entity

	ID      id.JobID `json:"id"`
	Request Request  `json:"request"`
	State   State    `json:"state"`

	// DeliveryToken identifies the current in-flight queue message.
	// Reports carrying any other token are stale and ignored.
	DeliveryToken id.Token `json:"delivery_token,omitempty"`

	// AttemptCount is incremented on every enqueue and re-enqueue.
	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	Result *Result  `json:"result,omitempty"`
	Error  *Failure `json:"error,omitempty"`

	// LastError records the most recent non-fatal failure message while
	// the job is still being retried.
	LastError string `json:"last_error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// DestroyAfter is the retention deadline: once past it, a terminal
	// job may be purged by the maintenance task.
	DestroyAfter time.Time `json:"destroy_after"`
}
