package job

import (
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
)

// Precondition is the guard a compare-and-update is fenced on: the stored
// state must equal State, and when DeliveryToken is set the stored token
// must match it too. A mismatch yields cutout.ErrStaleState.
type Precondition struct {
	State         State
	DeliveryToken *id.Token
}

// Token returns a Precondition that checks both state and delivery token.
func (p Precondition) Token(tok id.Token) Precondition {
	p.DeliveryToken = &tok
	return p
}

// From returns a Precondition checking only the state.
func From(s State) Precondition {
	return Precondition{State: s}
}

// Update is a validated transition payload. Build one with the To*
// constructors below — they are the only way to produce an Update, so a
// result can never be attached to anything but a completion and a failure
// can never be attached to anything but an error.
type Update struct {
	state         State
	deliveryToken *id.Token
	attemptCount  *int
	result        *Result
	failure       *Failure
	lastError     *string
	startedAt     *time.Time
	finishedAt    *time.Time
}

// State returns the target state of the update.
func (u Update) State() State { return u.state }

// ToQueued transitions to queued with a freshly minted delivery token and
// the new attempt count. Used both for the first enqueue and for
// re-enqueue after a failed or timed-out attempt.
func ToQueued(token id.Token, attempt int) Update {
	return Update{
		state:         StateQueued,
		deliveryToken: &token,
		attemptCount:  &attempt,
	}
}

// Retrying is like ToQueued but also records why the previous attempt
// failed.
func Retrying(token id.Token, attempt int, lastError string) Update {
	u := ToQueued(token, attempt)
	u.lastError = &lastError
	return u
}

// ToExecuting transitions to executing, recording when the worker claimed
// the job. The delivery token is left untouched: it stays valid until the
// attempt resolves.
func ToExecuting(startedAt time.Time) Update {
	return Update{
		state:     StateExecuting,
		startedAt: &startedAt,
	}
}

// ToCompleted transitions to completed with the result reference.
func ToCompleted(res Result, finishedAt time.Time) Update {
	return Update{
		state:      StateCompleted,
		result:     &res,
		finishedAt: &finishedAt,
	}
}

// ToError transitions to the terminal error state with a structured
// failure.
func ToError(f Failure, finishedAt time.Time) Update {
	return Update{
		state:      StateError,
		failure:    &f,
		finishedAt: &finishedAt,
	}
}

// ToCancelled transitions to cancelled.
func ToCancelled(finishedAt time.Time) Update {
	return Update{
		state:      StateCancelled,
		finishedAt: &finishedAt,
	}
}

// Apply writes the update onto a job record and bumps UpdatedAt. Store
// implementations that hold full records (memory, sqlite models) use this
// so every backend mutates identically; the Postgres backend expresses
// the same assignments in SQL.
func (u Update) Apply(j *Job, now time.Time) {
	j.State = u.state
	if u.deliveryToken != nil {
		j.DeliveryToken = *u.deliveryToken
	}
	if u.attemptCount != nil {
		j.AttemptCount = *u.attemptCount
	}
	if u.lastError != nil {
		j.LastError = *u.lastError
	}
	if u.startedAt != nil {
		j.StartedAt = u.startedAt
	}
	if u.finishedAt != nil {
		j.FinishedAt = u.finishedAt
	}

	// Result iff completed, error iff error.
	j.Result = nil
	j.Error = nil
	switch u.state {
	case StateCompleted:
		j.Result = u.result
	case StateError:
		j.Error = u.failure
	}

	j.UpdatedAt = now
}

// Fields exposes the optional update fields for SQL-building backends.
func (u Update) Fields() (token *id.Token, attempt *int, result *Result, failure *Failure, lastError *string, startedAt, finishedAt *time.Time) {
	return u.deliveryToken, u.attemptCount, u.result, u.failure, u.lastError, u.startedAt, u.finishedAt
}
