package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Timeout returns middleware that enforces the execution deadline.
// With a non-zero limit, a context.WithTimeout wraps the handler call;
// when the deadline passes the context is cancelled and the handler
// should return context.DeadlineExceeded.
func Timeout(limit time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if limit > 0 {
			logger.Debug("execution deadline set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", limit),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
