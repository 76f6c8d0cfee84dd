package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

var (
	// ErrStale is returned when the stored checkpoint no longer matches the
	// expected prior position, or when a commit would move it backwards
	ErrStale = errors.New("stale checkpoint")
	// ErrUnavailable wraps backend failures that callers may retry
	ErrUnavailable = errors.New("checkpoint store unavailable")
)

// Checkpoint is the last fully processed position of a partition
type Checkpoint struct {
	Partition stream.PartitionID
	Position  stream.Position
	UpdatedAt time.Time
}

// Store persists checkpoints. Commit is a compare-and-set on the prior
// position; an empty expectedPrior means no checkpoint exists yet.
type Store interface {
	Get(ctx context.Context, partition stream.PartitionID) (Checkpoint, bool, error)
	Commit(ctx context.Context, partition stream.PartitionID, position, expectedPrior stream.Position) error
}

// validate rejects commits that would regress the checkpoint
func validate(position, expectedPrior stream.Position) error {
	if position.IsZero() {
		return errors.New("checkpoint position must not be empty")
	}
	if !expectedPrior.IsZero() && stream.ComparePositions(position, expectedPrior) < 0 {
		return ErrStale
	}
	return nil
}
