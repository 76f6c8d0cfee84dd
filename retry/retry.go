package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped) when every attempt failed
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether an error is worth another attempt, nil retries everything
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt
	OnRetry func(attempt int, err error)
}

// ExhaustedError carries the last failure of a retry loop
type ExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Cause}
}

// Do runs fn until it succeeds, returns a non retryable error, the context
// ends, or MaxAttempts is reached. Attempts are 1 indexed.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		if attempt == maxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if err := Sleep(ctx, p.Backoff, uint(attempt)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Cause: lastErr}
}

// Sleep waits for the backoff delay of the 1 indexed attempt or until ctx is done
func Sleep(ctx context.Context, b Backoff, attempt uint) error {
	if b == nil {
		return ctx.Err()
	}

	d := b.Next(attempt)
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
