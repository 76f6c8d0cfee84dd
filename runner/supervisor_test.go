//go:build unit

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/lease"
	"github.com/hugolhafner/go-sonar/logger"
	mocklogger "github.com/hugolhafner/go-sonar/logger/mock"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
	mockstream "github.com/hugolhafner/go-sonar/stream/mock"
	"github.com/hugolhafner/go-sonar/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// sliceSource yields a fixed number of records, or endless ones when n is negative
type sliceSource struct {
	name string
	n    int

	mu   sync.Mutex
	sent int
}

func (s *sliceSource) Name() string { return s.name }

func (s *sliceSource) Next(ctx context.Context) (stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.n >= 0 && s.sent >= s.n {
		return stream.Record{}, ErrSourceDone
	}
	s.sent++
	return mockstream.SimpleRecord(fmt.Sprintf("%s-%d", s.name, s.sent), "payload"), nil
}

type supervisorHarness struct {
	transport *mockstream.Transport
	leases    *lease.MemoryTable
	store     *checkpoint.MemoryStore
}

func newSupervisorHarness(partitions int, opts ...lease.MemoryOption) *supervisorHarness {
	return &supervisorHarness{
		transport: mockstream.NewTransport(mockstream.WithPartitions(partitions)),
		leases:    lease.NewMemoryTable(opts...),
		store:     checkpoint.NewMemoryStore(),
	}
}

func (h *supervisorHarness) supervisor(t *testing.T, p processor.Processor, opts ...Option) *Supervisor {
	t.Helper()

	s, err := NewSupervisor(testOptions(opts...)...)
	require.NoError(t, err)

	require.NoError(
		t, s.Consume(
			Consumption{
				Consumer:    h.transport,
				Leases:      h.leases,
				Checkpoints: h.store,
				Processor:   processor.Shared(p),
			},
		),
	)
	return s
}

func (h *supervisorHarness) checkpoint(t *testing.T, p stream.PartitionID) stream.Position {
	t.Helper()

	cp, _, err := h.store.Get(context.Background(), p)
	require.NoError(t, err)
	return cp.Position
}

// testOptions mirrors testConfig for code paths that build their own config
func testOptions(opts ...Option) []Option {
	base := []Option{
		WithIdleInterval(10 * time.Millisecond),
		WithCallTimeout(time.Second),
		WithRetry(3, retry.Fixed(0)),
		WithLeaseTTL(3 * time.Second),
		WithRebalanceInterval(20 * time.Millisecond),
		WithRestarts(5, retry.Fixed(0)),
		WithShutdownTimeout(2 * time.Second),
		WithProducerFailures(10, retry.Fixed(0)),
	}
	return append(base, opts...)
}

func runSupervisor(s *Supervisor) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()
	return cancel, errCh
}

func TestSupervisor_ProcessesAllPartitions(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(3)
	for _, p := range []stream.PartitionID{"0", "1", "2"} {
		h.transport.AddRecords(p, mockstream.SimpleRecords("a", "1", "b", "2")...)
	}

	proc := &recordingProcessor{}
	s := h.supervisor(t, proc, WithInstanceID("instance-a"))
	cancel, errCh := runSupervisor(s)

	require.Eventually(
		t, func() bool {
			for _, p := range []stream.PartitionID{"0", "1", "2"} {
				if h.checkpoint(t, p) != "1" {
					return false
				}
			}
			return true
		}, 3*time.Second, 10*time.Millisecond,
	)

	handles := s.Workers()
	require.Len(t, handles, 3)
	for i, handle := range handles {
		assert.Equal(t, stream.PartitionID(fmt.Sprint(i)), handle.Partition)
		assert.Equal(t, "instance-a", handle.Owner)
	}

	cancel()
	require.NoError(t, waitResult(t, errCh))

	for _, handle := range s.Workers() {
		assert.Equal(t, StatusTerminated, handle.Status)
	}
	for _, p := range []stream.PartitionID{"0", "1", "2"} {
		_, held := h.leases.Owner(p)
		assert.False(t, held, "lease of %s should be released", p)
	}
	assert.Equal(t, 6, proc.Count())
}

func TestSupervisor_RespectsMaxWorkers(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(4)

	s := h.supervisor(t, &recordingProcessor{}, WithMaxWorkers(2))
	cancel, errCh := runSupervisor(s)
	defer cancel()

	require.Eventually(
		t, func() bool { return len(s.Workers()) == 2 }, 2*time.Second, 10*time.Millisecond,
	)

	// several rebalance ticks must not add workers
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.Workers(), 2)

	held := 0
	for _, p := range mockstream.PartitionIDs(4) {
		if _, ok := h.leases.Owner(p); ok {
			held++
		}
	}
	assert.Equal(t, 2, held)

	cancel()
	require.NoError(t, waitResult(t, errCh))
}

func TestSupervisor_RestartLimitIsFatal(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(1)
	h.transport.AddRecords("0", mockstream.SimpleRecord("k", "v"))

	proc := &recordingProcessor{
		fail: func(stream.Record, int) error { return errProcessing },
	}
	s := h.supervisor(t, proc, WithRestarts(2, retry.Fixed(0)))
	cancel, errCh := runSupervisor(s)
	defer cancel()

	err := waitResult(t, errCh)

	fe, ok := AsFatalError(err)
	require.True(t, ok, "expected FatalError, got %v", err)
	assert.Equal(t, stream.PartitionID("0"), fe.Partition)
	assert.Equal(t, 2, fe.Restarts)
	require.ErrorIs(t, err, errProcessing)

	assert.Equal(t, 3, proc.Deliveries("0", "0"), "initial run plus one delivery per restart")
	assert.Empty(t, h.store.History("0"))
}

func TestSupervisor_RestartsFaultedWorker(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(1)
	h.transport.AddRecords("0", mockstream.SimpleRecords("a", "1", "b", "2")...)

	proc := &recordingProcessor{
		fail: func(r stream.Record, delivery int) error {
			if r.Key == "b" && delivery == 1 {
				return errProcessing
			}
			return nil
		},
	}
	s := h.supervisor(t, proc)
	cancel, errCh := runSupervisor(s)

	require.Eventually(
		t, func() bool { return h.checkpoint(t, "0") == "1" }, 2*time.Second, 10*time.Millisecond,
	)

	handles := s.Workers()
	require.Len(t, handles, 1)
	assert.Equal(t, 1, handles[0].Restarts)

	cancel()
	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, []string{"a", "b", "a", "b"}, proc.Keys())
}

func TestSupervisor_LatestRestartRedeliversUncommittedBatch(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(1)
	h.transport.AddRecords("0", mockstream.SimpleRecord("old", "skipped"))

	proc := &recordingProcessor{
		fail: func(r stream.Record, delivery int) error {
			if r.Key == "r2" && delivery == 1 {
				return errProcessing
			}
			return nil
		},
	}
	l := mocklogger.New()
	s := h.supervisor(t, proc, WithInitialPosition(stream.Latest), WithLogger(l))
	cancel, errCh := runSupervisor(s)

	require.Eventually(
		t, func() bool { return h.transport.GetCalls("0") >= 1 }, 2*time.Second, 5*time.Millisecond,
	)
	positions := h.transport.AddRecords("0", mockstream.SimpleRecords("r1", "1", "r2", "2", "r3", "3")...)
	require.Equal(t, []stream.Position{"1", "2", "3"}, positions)

	require.Eventually(
		t, func() bool { return h.checkpoint(t, "0") == "3" }, 3*time.Second, 10*time.Millisecond,
	)

	handles := s.Workers()
	require.Len(t, handles, 1)
	assert.Equal(t, 1, handles[0].Restarts)

	cancel()
	require.NoError(t, waitResult(t, errCh))

	assert.Equal(t, []string{"r1", "r2", "r1", "r2", "r3"}, proc.Keys())
	assert.Equal(t, 2, proc.Deliveries("0", "2"))
	assert.Equal(t, 1, proc.Deliveries("0", "3"))
	assert.Zero(t, proc.Deliveries("0", "0"))
	assert.Equal(t, []stream.Position{"3"}, h.store.History("0"))

	l.AssertCalledWithLevelAndMessage(t, logger.WarnLevel, "Worker faulted, restarting")
	l.AssertCalledWithMessage(t, "No checkpoint found, resuming at first uncommitted record")
}

func TestSupervisor_CleanShutdownLogsNoErrors(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(2)
	h.transport.AddRecords("0", mockstream.SimpleRecords("a", "1")...)
	h.transport.AddRecords("1", mockstream.SimpleRecords("b", "2")...)

	l := mocklogger.New()
	s := h.supervisor(t, &recordingProcessor{}, WithLogger(l))
	cancel, errCh := runSupervisor(s)

	require.Eventually(
		t, func() bool { return h.checkpoint(t, "0") == "0" && h.checkpoint(t, "1") == "0" },
		2*time.Second, 10*time.Millisecond,
	)

	cancel()
	require.NoError(t, waitResult(t, errCh))

	l.AssertNotCalledWithLevel(t, logger.ErrorLevel)
	l.AssertNotCalledWithMessage(t, "Worker faulted, restarting")
	l.AssertCalledWithLevel(t, logger.InfoLevel)
}

func TestSupervisor_TakesOverExpiredLease(t *testing.T) {
	t.Parallel()
	clock := newManualClock()
	h := newSupervisorHarness(1, lease.WithClock(clock.Now))
	h.transport.AddRecords("0", mockstream.SimpleRecord("k", "v"))

	// an instance that died without releasing its lease
	_, err := h.leases.Acquire(context.Background(), "0", "instance-dead", 5*time.Second)
	require.NoError(t, err)

	proc := &recordingProcessor{}
	s := h.supervisor(t, proc, WithInstanceID("instance-b"))
	cancel, errCh := runSupervisor(s)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.Workers(), "held partition must be skipped")
	assert.Zero(t, proc.Count())

	clock.Advance(6 * time.Second)

	require.Eventually(
		t, func() bool { return h.checkpoint(t, "0") == "0" }, 2*time.Second, 10*time.Millisecond,
	)
	owner, held := h.leases.Owner("0")
	require.True(t, held)
	assert.Equal(t, "instance-b", owner)

	cancel()
	require.NoError(t, waitResult(t, errCh))
}

func TestSupervisor_ProduceAndConsume(t *testing.T) {
	t.Parallel()
	h := newSupervisorHarness(2)

	proc := &recordingProcessor{}
	s := h.supervisor(t, proc)

	w := writer.New(h.transport)
	require.NoError(
		t, s.Produce(
			w,
			&sliceSource{name: "producer-1", n: 10},
			&sliceSource{name: "producer-2", n: 10},
		),
	)

	cancel, errCh := runSupervisor(s)

	require.Eventually(
		t, func() bool { return proc.Count() == 20 }, 3*time.Second, 10*time.Millisecond,
	)

	cancel()
	require.NoError(t, waitResult(t, errCh))

	h.transport.AssertTotalRecordCount(t, 20)
	for i := 1; i <= 10; i++ {
		h.transport.AssertKeyInSinglePartition(t, fmt.Sprintf("producer-1-%d", i))
	}
}

func TestSupervisor_ProducerFailuresAreFatal(t *testing.T) {
	t.Parallel()
	transport := mockstream.NewTransport(mockstream.WithPartitions(1))
	transport.SetPutError(stream.NewPermanentError(errors.New("access denied")))

	s, err := NewSupervisor(testOptions(WithProducerFailures(2, retry.Fixed(0)))...)
	require.NoError(t, err)
	require.NoError(t, s.Produce(writer.New(transport), &sliceSource{name: "publisher", n: -1}))

	cancel, errCh := runSupervisor(s)
	defer cancel()

	err = waitResult(t, errCh)
	fe, ok := AsFatalError(err)
	require.True(t, ok, "expected FatalError, got %v", err)
	assert.Equal(t, "publisher", fe.Producer)
	assert.Equal(t, 3, fe.Restarts)
}

func TestSupervisor_RunTwice(t *testing.T) {
	t.Parallel()
	s, err := NewSupervisor(testOptions()...)
	require.NoError(t, err)

	cancel, errCh := runSupervisor(s)
	require.Eventually(
		t, func() bool {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return s.running
		}, time.Second, 5*time.Millisecond,
	)

	require.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
	require.ErrorIs(t, s.Produce(writer.New(mockstream.NewTransport()), &sliceSource{}), ErrAlreadyRunning)

	cancel()
	require.NoError(t, waitResult(t, errCh))
}

func TestSupervisor_InstanceID(t *testing.T) {
	t.Parallel()
	a, err := NewSupervisor()
	require.NoError(t, err)
	b, err := NewSupervisor()
	require.NoError(t, err)

	assert.NotEmpty(t, a.InstanceID())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())

	named, err := NewSupervisor(WithInstanceID("host-1"))
	require.NoError(t, err)
	assert.Equal(t, "host-1", named.InstanceID())
}

func TestSupervisor_InvalidConfiguration(t *testing.T) {
	t.Parallel()
	for name, opt := range map[string]Option{
		"batch size":         WithBatchSize(0),
		"lease ttl":          WithLeaseTTL(-time.Second),
		"max workers":        WithMaxWorkers(0),
		"rebalance interval": WithRebalanceInterval(0),
	} {
		_, err := NewSupervisor(opt)
		require.ErrorContains(t, err, name+" must be positive", name)
	}

	s, err := NewSupervisor()
	require.NoError(t, err)
	err = s.Consume(Consumption{})
	require.ErrorContains(t, err, "consumer is required")
	require.ErrorContains(t, err, "checkpoint store is required")
}

func TestSupervisor_Telemetry(t *testing.T) {
	t.Parallel()
	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(
		func() {
			_ = tp.Shutdown(context.Background())
			_ = mp.Shutdown(context.Background())
		},
	)

	tel, err := sonarotel.NewTelemetry(tp, mp)
	require.NoError(t, err)

	h := newSupervisorHarness(1)
	h.transport.AddRecords("0", mockstream.SimpleRecords("a", "1", "b", "2")...)

	s := h.supervisor(t, &recordingProcessor{}, WithTelemetry(tel))
	cancel, errCh := runSupervisor(s)

	require.Eventually(
		t, func() bool { return h.checkpoint(t, "0") == "1" }, 2*time.Second, 10*time.Millisecond,
	)
	cancel()
	require.NoError(t, waitResult(t, errCh))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), sums["sonar.consumer.records"])
	assert.Equal(t, int64(1), sums["sonar.checkpoint.commits"])
	assert.Contains(t, sums, "sonar.workers.active")
	assert.Contains(t, sums, "sonar.lease.events")

	var batchSpans int
	for _, span := range spans.GetSpans() {
		if span.Name == "sonar.batch" {
			batchSpans++
		}
	}
	assert.Equal(t, 1, batchSpans)
}
