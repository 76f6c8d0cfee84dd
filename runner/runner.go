package runner

import (
	"context"
)

// Runner blocks until ctx is cancelled or a fatal error occurs
type Runner interface {
	Run(ctx context.Context) error
}
