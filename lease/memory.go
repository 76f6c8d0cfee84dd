package lease

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

var _ Table = (*MemoryTable)(nil)

type memoryRecord struct {
	owner   string
	expiry  time.Time
	version int64
}

// MemoryTable keeps leases in process memory. It is strongly consistent within
// one process and intended for tests and single instance deployments.
type MemoryTable struct {
	mu      sync.Mutex
	records map[stream.PartitionID]memoryRecord
	now     func() time.Time
}

type MemoryOption func(*MemoryTable)

// WithClock replaces time.Now, letting tests move time forward
func WithClock(now func() time.Time) MemoryOption {
	return func(t *MemoryTable) {
		t.now = now
	}
}

func NewMemoryTable(opts ...MemoryOption) *MemoryTable {
	t := &MemoryTable{
		records: make(map[stream.PartitionID]memoryRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTable) Acquire(_ context.Context, partition stream.PartitionID, owner string, ttl time.Duration) (
	Lease, error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	current, exists := t.records[partition]
	if exists && now.Before(current.expiry) {
		return Lease{}, fmt.Errorf("%w: partition %s owned by %s", ErrHeld, partition, current.owner)
	}

	next := memoryRecord{owner: owner, expiry: now.Add(ttl), version: current.version + 1}
	t.records[partition] = next

	return t.lease(partition, next, ttl), nil
}

func (t *MemoryTable) Renew(_ context.Context, l Lease) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.check(l)
	if err != nil {
		return Lease{}, err
	}

	now := t.now()
	if !now.Before(current.expiry) {
		return Lease{}, fmt.Errorf("%w: partition %s", ErrExpired, l.Partition)
	}

	next := memoryRecord{owner: l.Owner, expiry: now.Add(l.TTL), version: current.version + 1}
	t.records[l.Partition] = next

	return t.lease(l.Partition, next, l.TTL), nil
}

func (t *MemoryTable) Release(_ context.Context, l Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.check(l)
	if err != nil {
		return err
	}

	// keep the version counter so stale tokens never match a later lease
	t.records[l.Partition] = memoryRecord{version: current.version + 1}
	return nil
}

// Owner returns the current owner of an unexpired lease
func (t *MemoryTable) Owner(partition stream.PartitionID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.records[partition]
	if !ok || current.owner == "" || !t.now().Before(current.expiry) {
		return "", false
	}
	return current.owner, true
}

func (t *MemoryTable) check(l Lease) (memoryRecord, error) {
	current, exists := t.records[l.Partition]
	if !exists || current.owner == "" {
		return memoryRecord{}, fmt.Errorf("%w: partition %s", ErrNotFound, l.Partition)
	}
	if current.owner != l.Owner || strconv.FormatInt(current.version, 10) != l.Token {
		return memoryRecord{}, fmt.Errorf("%w: partition %s owned by %s", ErrHeld, l.Partition, current.owner)
	}
	return current, nil
}

func (t *MemoryTable) lease(partition stream.PartitionID, r memoryRecord, ttl time.Duration) Lease {
	return Lease{
		Partition: partition,
		Owner:     r.owner,
		Expiry:    r.expiry,
		TTL:       ttl,
		Token:     strconv.FormatInt(r.version, 10),
	}
}
