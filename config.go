package cutout

import "time"

// Config holds the tunable parameters of the lifecycle engine and the
// worker runtime.
type Config struct {
	// MaxAttempts bounds how many times a job may be dispatched to a
	// worker before it is escalated to a terminal error.
	MaxAttempts int

	// ExecutionTimeout is how long a job may sit in the executing state
	// without a worker report before the timeout sweep reclaims it.
	ExecutionTimeout time.Duration

	// EnqueueRetries is the retry budget for transient queue faults when
	// handing a job to the work queue.
	EnqueueRetries int

	// Concurrency is the number of jobs a worker pool processes at once.
	Concurrency int

	// DispatchRate is the maximum sustained executions per second for a
	// worker pool. Zero disables rate limiting.
	DispatchRate float64

	// SweepSchedule is a cron expression controlling how often the
	// timeout sweep runs.
	SweepSchedule string

	// PurgeSchedule is a cron expression controlling how often terminal
	// jobs past their destruction deadline are purged.
	PurgeSchedule string

	// Retention is how long a job record is kept after creation before
	// the purge task may destroy it.
	Retention time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		ExecutionTimeout: 10 * time.Minute,
		EnqueueRetries:   3,
		Concurrency:      10,
		SweepSchedule:    "@every 30s",
		PurgeSchedule:    "@hourly",
		Retention:        30 * 24 * time.Hour,
		ShutdownTimeout:  30 * time.Second,
	}
}
