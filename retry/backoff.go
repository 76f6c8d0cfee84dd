package retry

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"
)

// Backoff yields the delay before a given retry attempt, attempts are 1
// indexed. Every github.com/hugolhafner/dskit/backoff.Backoff satisfies it.
type Backoff = backoff.Backoff

// Fixed returns a constant backoff
func Fixed(d time.Duration) Backoff {
	return backoff.NewFixed(d)
}
