//go:build unit

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/stretchr/testify/require"
)

type recordingBackoff struct {
	attempts []uint
}

func (b *recordingBackoff) Next(attempt uint) time.Duration {
	b.attempts = append(b.attempts, attempt)
	return 0
}

func TestDo_BackoffAttemptsAreOneIndexed(t *testing.T) {
	t.Parallel()

	b := &recordingBackoff{}
	err := retry.Do(
		context.Background(), retry.Policy{MaxAttempts: 3, Backoff: b},
		func(context.Context, int) error { return errors.New("boom") },
	)

	require.ErrorIs(t, err, retry.ErrExhausted)
	require.Equal(t, []uint{1, 2}, b.attempts)
}

func TestDo_ExponentialFirstRetryUsesInitialInterval(t *testing.T) {
	t.Parallel()

	b := backoff.NewExponential(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(time.Hour),
	)

	start := time.Now()
	calls := 0
	err := retry.Do(
		context.Background(), retry.Policy{MaxAttempts: 3, Backoff: b},
		func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
	)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDo(t *testing.T) {
	t.Parallel()
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	tests := []struct {
		name         string
		failures     int
		err          error
		maxAttempts  int
		wantCalls    int
		wantErr      error
		wantExhausts bool
	}{
		{name: "first attempt succeeds", failures: 0, maxAttempts: 3, wantCalls: 1},
		{name: "succeeds after retries", failures: 2, err: errTransient, maxAttempts: 3, wantCalls: 3},
		{
			name: "exhausts attempts", failures: 5, err: errTransient, maxAttempts: 3, wantCalls: 3,
			wantErr: errTransient, wantExhausts: true,
		},
		{name: "non retryable stops immediately", failures: 5, err: errFatal, maxAttempts: 3, wantCalls: 1, wantErr: errFatal},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()

				calls := 0
				err := retry.Do(
					context.Background(), retry.Policy{
						MaxAttempts: tt.maxAttempts,
						Backoff:     retry.Fixed(0),
						Retryable:   func(err error) bool { return !errors.Is(err, errFatal) },
					}, func(ctx context.Context, attempt int) error {
						calls++
						require.Equal(t, calls, attempt)
						if calls <= tt.failures {
							return tt.err
						}
						return nil
					},
				)

				require.Equal(t, tt.wantCalls, calls)
				if tt.wantErr == nil {
					require.NoError(t, err)
					return
				}
				require.ErrorIs(t, err, tt.wantErr)
				require.Equal(t, tt.wantExhausts, errors.Is(err, retry.ErrExhausted))
			},
		)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := retry.Do(
		ctx, retry.Policy{
			MaxAttempts: 5,
			Backoff:     retry.Fixed(time.Hour),
			OnRetry:     func(int, error) { cancel() },
		}, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("boom")
		},
	)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
