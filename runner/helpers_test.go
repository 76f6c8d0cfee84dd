//go:build unit

package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/lease"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
	mockstream "github.com/hugolhafner/go-sonar/stream/mock"
	"github.com/stretchr/testify/require"
)

var errProcessing = errors.New("processing failed")

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testConfig returns a config with fast timings for tests
func testConfig(opts ...Option) Config {
	c := defaultConfig()
	c.IdleInterval = 10 * time.Millisecond
	c.CallTimeout = time.Second
	c.RetryAttempts = 3
	c.RetryBackoff = retry.Fixed(0)
	c.LeaseTTL = 3 * time.Second
	c.RebalanceInterval = 20 * time.Millisecond
	c.RestartBackoff = retry.Fixed(0)
	c.ShutdownTimeout = 2 * time.Second
	c.ProducerBackoff = retry.Fixed(0)
	for _, opt := range opts {
		opt.apply(&c)
	}
	return c
}

// recordingProcessor remembers every delivery and fails where fail says so
type recordingProcessor struct {
	mu        sync.Mutex
	delivered []stream.Record
	fail      func(r stream.Record, delivery int) error
}

func (p *recordingProcessor) Process(_ context.Context, r stream.Record) error {
	p.mu.Lock()
	p.delivered = append(p.delivered, r)
	delivery := 0
	for _, d := range p.delivered {
		if d.Partition == r.Partition && d.Position == r.Position {
			delivery++
		}
	}
	fail := p.fail
	p.mu.Unlock()

	if fail != nil {
		return fail(r, delivery)
	}
	return nil
}

func (p *recordingProcessor) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, len(p.delivered))
	for i, r := range p.delivered {
		keys[i] = r.Key
	}
	return keys
}

func (p *recordingProcessor) Deliveries(partition stream.PartitionID, position stream.Position) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.delivered {
		if r.Partition == partition && r.Position == position {
			n++
		}
	}
	return n
}

func (p *recordingProcessor) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivered)
}

// flakyStore fails the first failures commits with err
type flakyStore struct {
	*checkpoint.MemoryStore

	mu       sync.Mutex
	failures int
	err      error
	commits  int
}

func (s *flakyStore) Commit(
	ctx context.Context, partition stream.PartitionID, position, expectedPrior stream.Position,
) error {
	s.mu.Lock()
	s.commits++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return s.err
	}
	s.mu.Unlock()

	return s.MemoryStore.Commit(ctx, partition, position, expectedPrior)
}

func (s *flakyStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

type workerHarness struct {
	transport *mockstream.Transport
	leases    *lease.MemoryTable
	store     checkpoint.Store
	memory    *checkpoint.MemoryStore
}

func newWorkerHarness() *workerHarness {
	memory := checkpoint.NewMemoryStore()
	return &workerHarness{
		transport: mockstream.NewTransport(mockstream.WithPartitions(1)),
		leases:    lease.NewMemoryTable(),
		store:     memory,
		memory:    memory,
	}
}

func (h *workerHarness) addRecords(partition stream.PartitionID, keys ...string) {
	for _, k := range keys {
		h.transport.AddRecords(partition, mockstream.SimpleRecord(k, "payload-"+k))
	}
}

func (h *workerHarness) worker(t *testing.T, p *recordingProcessor, config Config) *partitionWorker {
	t.Helper()

	l, err := h.leases.Acquire(context.Background(), "0", "instance-a", config.LeaseTTL)
	require.NoError(t, err)

	return newPartitionWorker(
		"worker-1", l, workerDeps{
			consumer:  h.transport,
			store:     h.store,
			leases:    h.leases,
			processor: p,
			handler:   config.errorHandler(),
		}, 0, config,
	)
}

func (h *workerHarness) checkpoint(t *testing.T) (stream.Position, bool) {
	t.Helper()

	cp, ok, err := h.store.Get(context.Background(), "0")
	require.NoError(t, err)
	return cp.Position, ok
}

func startWorker(w *partitionWorker) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.run(context.Background())
	}()
	return errCh
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result")
		return nil
	}
}
