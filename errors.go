package cutout

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("cutout: no store configured")
	ErrStoreClosed = errors.New("cutout: store closed")

	// Not found errors.
	ErrJobNotFound     = errors.New("cutout: job not found")
	ErrArchiveNotFound = errors.New("cutout: archive entry not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("cutout: job already exists")

	// ErrStaleState is returned when a compare-and-update precondition no
	// longer holds: the caller lost an optimistic-concurrency race and must
	// discard its update. It is the expected signal for the losing writer,
	// not a fault.
	ErrStaleState = errors.New("cutout: stale job state")

	// State errors.
	ErrInvalidTransition = errors.New("cutout: invalid state transition")
	ErrTerminalState     = errors.New("cutout: job is in a terminal state")

	// Request errors.
	ErrInvalidRequest = errors.New("cutout: invalid cutout request")

	// Queue errors.
	ErrQueueClosed      = errors.New("cutout: queue closed")
	ErrQueueUnavailable = errors.New("cutout: queue unavailable")
)
