package errorhandler

import (
	"context"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/retry"
)

// SilentFail fails without logging
func SilentFail() Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			return ActionFail{}
		},
	)
}

// LogAndFail logs error and stops the worker
func LogAndFail(logger logger.Logger) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			logger.Error(
				"error handling batch, failing",
				"error", ec.Error,
				"phase", ec.Phase.String(),
				"partition", ec.Partition,
				"key", ec.Record.Key,
				"position", ec.Record.Position,
				"batch_size", ec.BatchSize,
				"attempt", ec.Attempt,
			)
			return ActionFail{}
		},
	)
}

// WithMaxAttempts retries a batch until it failed maxAttempts times, waiting
// the backoff between attempts. After that the fallback handler decides.
func WithMaxAttempts(maxAttempts int, b retry.Backoff, fallback Handler) Handler {
	if fallback == nil {
		fallback = SilentFail()
	}

	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			if ec.Attempt >= maxAttempts {
				return fallback.Handle(ctx, ec)
			}

			if err := retry.Sleep(ctx, b, uint(max(ec.Attempt, 1))); err != nil {
				return ActionFail{}
			}

			return ActionRetry{}
		},
	)
}

// ActionLogger logs the action decided by the next handler
func ActionLogger(l logger.Logger, level logger.LogLevel, next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			action := next.Handle(ctx, ec)

			l.Log(
				level,
				"Error handler decision",
				"action", action.Type().String(),
				"error", ec.Error,
				"phase", ec.Phase.String(),
				"partition", ec.Partition,
				"key", ec.Record.Key,
				"position", ec.Record.Position,
				"attempt", ec.Attempt,
			)
			return action
		},
	)
}
