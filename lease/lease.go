package lease

import (
	"context"
	"errors"
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

var (
	// ErrHeld is returned when another owner holds a non-expired lease
	ErrHeld = errors.New("lease held by another owner")
	// ErrNotFound is returned when renewing or releasing a lease record that does not exist
	ErrNotFound = errors.New("lease not found")
	// ErrExpired is returned when renewing a lease whose ttl already elapsed
	ErrExpired = errors.New("lease expired")
)

// Lease is a time bounded exclusive claim on a partition. Token identifies the
// version of the lease record it was issued for and is used for compare-and-set.
type Lease struct {
	Partition stream.PartitionID
	Owner     string
	Expiry    time.Time
	TTL       time.Duration
	Token     string
}

// Expired reports whether the lease ttl elapsed at now
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Expiry)
}

// Table is the partition assignment table. Every mutation is a single
// compare-and-set on the lease record of one partition.
type Table interface {
	// Acquire claims the partition for owner, failing with ErrHeld when another
	// unexpired lease exists
	Acquire(ctx context.Context, partition stream.PartitionID, owner string, ttl time.Duration) (Lease, error)
	// Renew extends a lease by its ttl
	Renew(ctx context.Context, l Lease) (Lease, error)
	// Release drops the lease so any owner can acquire it immediately
	Release(ctx context.Context, l Lease) error
}

// IsLost reports whether err means the caller no longer owns the lease
func IsLost(err error) bool {
	return errors.Is(err, ErrHeld) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
