package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/embermedia/conductor/job"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to retriable errors and logged with a stack
// trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("queue", j.Queue),
					slog.String("type", j.Type),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in %s/%s handler: %v", j.Queue, j.Type, r)
			}
		}()
		return next(ctx)
	}
}
