package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps checkpoints in process memory along with the full commit
// history of every partition
type MemoryStore struct {
	mu      sync.Mutex
	current map[stream.PartitionID]Checkpoint
	history map[stream.PartitionID][]stream.Position
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		current: make(map[stream.PartitionID]Checkpoint),
		history: make(map[stream.PartitionID][]stream.Position),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, partition stream.PartitionID) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.current[partition]
	return cp, ok, nil
}

func (s *MemoryStore) Commit(
	_ context.Context, partition stream.PartitionID, position, expectedPrior stream.Position,
) error {
	if err := validate(position, expectedPrior); err != nil {
		return fmt.Errorf("commit %s on partition %s: %w", position, partition, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.current[partition]
	var stored stream.Position
	if ok {
		stored = cp.Position
	}

	if stored != expectedPrior {
		return fmt.Errorf(
			"%w: partition %s is at %s, expected %s", ErrStale, partition, stored, expectedPrior,
		)
	}

	s.current[partition] = Checkpoint{Partition: partition, Position: position, UpdatedAt: s.now()}
	s.history[partition] = append(s.history[partition], position)
	return nil
}

// History returns every position committed for the partition in commit order
func (s *MemoryStore) History(partition stream.PartitionID) []stream.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]stream.Position, len(s.history[partition]))
	copy(out, s.history[partition])
	return out
}

// Set overwrites the checkpoint without any check, simulating another writer
func (s *MemoryStore) Set(partition stream.PartitionID, position stream.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current[partition] = Checkpoint{Partition: partition, Position: position, UpdatedAt: s.now()}
}
