package runner

import (
	"context"
	"time"

	"github.com/hugolhafner/go-sonar/logger"
)

// emitError emits an error to the provided channel without blocking
func emitError(errCh chan<- error, l logger.Logger, err error) {
	select {
	case errCh <- err:
	default:
		l.Error("Error channel full, dropping error", "error", err)
	}
}

// detached returns a context that survives cancellation of parent, bounded by
// timeout. Used for cleanup calls such as lease release.
func detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// waitOrTimeout waits for done to close, giving up after timeout
func waitOrTimeout(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
