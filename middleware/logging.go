package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Logging returns middleware that logs execution start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("cutout started",
			slog.String("job_id", j.ID.String()),
			slog.String("dataset_id", j.Request.DatasetID),
			slog.Int("attempt", j.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("cutout failed",
				slog.String("job_id", j.ID.String()),
				slog.String("dataset_id", j.Request.DatasetID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("cutout completed",
				slog.String("job_id", j.ID.String()),
				slog.String("dataset_id", j.Request.DatasetID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
