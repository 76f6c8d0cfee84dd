package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/errorhandler"
	"github.com/hugolhafner/go-sonar/lease"
	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/stream"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var _ Runner = (*Supervisor)(nil)

// Consumption wires the consuming side of a supervisor
type Consumption struct {
	Consumer    stream.Consumer
	Leases      lease.Table
	Checkpoints checkpoint.Store
	Processor   processor.Supplier
}

func (c Consumption) validate() error {
	var errs []error
	if c.Consumer == nil {
		errs = append(errs, errors.New("consumer is required"))
	}
	if c.Leases == nil {
		errs = append(errs, errors.New("lease table is required"))
	}
	if c.Checkpoints == nil {
		errs = append(errs, errors.New("checkpoint store is required"))
	}
	if c.Processor == nil {
		errs = append(errs, errors.New("processor supplier is required"))
	}
	return errors.Join(errs...)
}

type acquisition struct {
	partition stream.PartitionID
	lease     lease.Lease
	err       error
}

type workerExit struct {
	worker *partitionWorker
	err    error
}

// Supervisor owns the partition workers and producer loops of one instance.
// Its control loop discovers partitions, claims their leases and restarts
// faulted workers; every network call runs on a separate goroutine.
type Supervisor struct {
	config    Config
	logger    logger.Logger
	telemetry *sonarotel.Telemetry
	handler   errorhandler.Handler

	consumption *Consumption
	producers   []*producerLoop

	// one slot per running worker or pending claim
	sem *semaphore.Weighted

	mu      sync.RWMutex
	workers map[stream.PartitionID]*partitionWorker
	running bool

	// owned by the control loop
	pending  map[stream.PartitionID]struct{}
	restarts map[stream.PartitionID]int
	resume   map[stream.PartitionID]stream.Position

	discovering atomic.Bool
	discovered  chan []stream.PartitionID
	acquired    chan acquisition
	exits       chan workerExit
	errCh       chan error
	stopped     chan struct{}
}

func NewSupervisor(opts ...Option) (*Supervisor, error) {
	config := defaultConfig()
	for _, opt := range opts {
		opt.apply(&config)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}

	if config.InstanceID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate instance id: %w", err)
		}
		config.InstanceID = id
	}

	return &Supervisor{
		config:     config,
		logger:     config.Logger.With("component", "supervisor", "instance_id", config.InstanceID),
		telemetry:  config.Telemetry,
		handler:    config.errorHandler(),
		sem:        semaphore.NewWeighted(int64(config.MaxWorkers)),
		workers:    make(map[stream.PartitionID]*partitionWorker),
		pending:    make(map[stream.PartitionID]struct{}),
		restarts:   make(map[stream.PartitionID]int),
		resume:     make(map[stream.PartitionID]stream.Position),
		discovered: make(chan []stream.PartitionID),
		acquired:   make(chan acquisition),
		exits:      make(chan workerExit),
		errCh:      make(chan error, 1),
		stopped:    make(chan struct{}),
	}, nil
}

// Consume registers the consuming side. It must be called before Run.
func (s *Supervisor) Consume(c Consumption) error {
	if err := c.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.consumption = &c
	return nil
}

// Produce registers one producer loop per source, all sending through sender.
// It must be called before Run.
func (s *Supervisor) Produce(sender Sender, sources ...Source) error {
	if sender == nil {
		return errors.New("sender is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	for _, src := range sources {
		s.producers = append(s.producers, newProducerLoop(src, sender, s.config))
	}
	return nil
}

// InstanceID is the owner name this supervisor writes into leases
func (s *Supervisor) InstanceID() string {
	return s.config.InstanceID
}

// Run blocks until ctx is cancelled or a fatal error occurs. On the way out
// every worker is stopped at its next batch boundary and awaited for up to
// ShutdownTimeout.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.stopped)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// workers outlive ctx so in-flight batches can commit during shutdown
	workersCtx, killWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer killWorkers()

	s.logger.Info(
		"Supervisor started",
		"max_workers", s.config.MaxWorkers,
		"producers", len(s.producers),
		"consuming", s.consumption != nil,
	)

	producersDone := s.startProducers(runCtx)

	var rebalance <-chan time.Time
	if s.consumption != nil {
		t := time.NewTicker(s.config.RebalanceInterval)
		defer t.Stop()
		rebalance = t.C
		s.discover(runCtx)
	}

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, shutting down")
			break loop

		case err := <-s.errCh:
			s.logger.Error("Fatal error received", "error", err)
			result = err
			break loop

		case <-rebalance:
			s.discover(runCtx)

		case partitions := <-s.discovered:
			s.claim(runCtx, partitions)

		case a := <-s.acquired:
			s.onAcquired(runCtx, workersCtx, a)

		case ev := <-s.exits:
			if err := s.onExit(runCtx, ev); err != nil {
				result = err
				break loop
			}
		}
	}

	cancelRun()
	s.shutdown(killWorkers, producersDone)
	return result
}

// discover lists partitions off the control loop and hands them back to it
func (s *Supervisor) discover(ctx context.Context) {
	if !s.discovering.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.discovering.Store(false)

		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()

		partitions, err := s.consumption.Consumer.ListPartitions(callCtx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Partition discovery failed", "error", err)
				s.telemetry.Errors.Add(ctx, 1, metric.WithAttributes(sonarotel.AttrErrorPhase.String("discover")))
			}
			return
		}

		select {
		case s.discovered <- partitions:
		case <-ctx.Done():
		}
	}()
}

// claim tries to lease every partition this instance neither runs nor is
// already claiming, as long as worker slots are free
func (s *Supervisor) claim(ctx context.Context, partitions []stream.PartitionID) {
	for _, p := range partitions {
		if _, ok := s.pending[p]; ok {
			continue
		}
		if s.owns(p) {
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.logger.Debug("Max workers reached, deferring remaining partitions", "max_workers", s.config.MaxWorkers)
			return
		}

		s.pending[p] = struct{}{}
		go s.acquire(ctx, p, 0)
	}
}

// acquire claims the lease of a partition after delay. The caller holds a
// worker slot which is handed over with the result.
func (s *Supervisor) acquire(ctx context.Context, p stream.PartitionID, delay time.Duration) {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.sem.Release(1)
			return
		case <-t.C:
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	l, err := s.consumption.Leases.Acquire(callCtx, p, s.config.InstanceID, s.config.LeaseTTL)
	cancel()

	select {
	case s.acquired <- acquisition{partition: p, lease: l, err: err}:
	case <-ctx.Done():
		if err == nil {
			releaseCtx, cancel := detached(ctx, s.config.CallTimeout)
			_ = s.consumption.Leases.Release(releaseCtx, l)
			cancel()
		}
		s.sem.Release(1)
	}
}

func (s *Supervisor) onAcquired(ctx, workersCtx context.Context, a acquisition) {
	delete(s.pending, a.partition)

	if a.err != nil {
		s.sem.Release(1)
		if errors.Is(a.err, lease.ErrHeld) {
			s.logger.Debug("Partition leased by another instance", "partition", a.partition)
			return
		}
		s.logger.Warn("Failed to acquire lease", "partition", a.partition, "error", a.err)
		s.telemetry.Errors.Add(
			ctx, 1, metric.WithAttributes(
				sonarotel.AttrPartition.String(string(a.partition)),
				sonarotel.AttrErrorPhase.String("lease"),
			),
		)
		return
	}

	s.telemetry.LeaseEvents.Add(
		ctx, 1, metric.WithAttributes(
			sonarotel.AttrPartition.String(string(a.partition)),
			sonarotel.AttrLeaseEvent.String(sonarotel.LeaseAcquired),
		),
	)
	s.logger.Info("Lease acquired", "partition", a.partition, "expiry", a.lease.Expiry)

	s.start(workersCtx, a.lease)
}

func (s *Supervisor) start(ctx context.Context, l lease.Lease) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fmt.Sprintf("%s-%s", s.config.InstanceID, l.Partition)
	}

	c := s.consumption
	w := newPartitionWorker(
		id, l, workerDeps{
			consumer:  c.Consumer,
			store:     c.Checkpoints,
			leases:    c.Leases,
			processor: c.Processor(l.Partition),
			handler:   s.handler,
		},
		s.restarts[l.Partition],
		s.config,
	)
	w.resumeAt = s.resume[l.Partition]

	s.mu.Lock()
	s.workers[l.Partition] = w
	s.mu.Unlock()

	s.telemetry.WorkersActive.Add(ctx, 1)

	go func() {
		err := w.run(ctx)
		s.telemetry.WorkersActive.Add(context.Background(), -1)

		select {
		case s.exits <- workerExit{worker: w, err: err}:
		case <-s.stopped:
		}
	}()
}

// onExit reacts to a terminated worker, returning a *FatalError once the
// partition exceeded its restart limit
func (s *Supervisor) onExit(ctx context.Context, ev workerExit) error {
	p := ev.worker.partition

	s.mu.Lock()
	if s.workers[p] == ev.worker {
		delete(s.workers, p)
	}
	s.mu.Unlock()

	switch {
	case ev.err == nil:
		s.sem.Release(1)
		delete(s.restarts, p)
		delete(s.resume, p)
		return nil

	case errors.Is(ev.err, ErrLeaseLost), errors.Is(ev.err, checkpoint.ErrStale):
		s.sem.Release(1)
		delete(s.restarts, p)
		delete(s.resume, p)
		s.logger.Warn("Worker lost ownership of partition", "partition", p, "error", ev.err)
		return nil

	case ctx.Err() != nil:
		s.sem.Release(1)
		return nil
	}

	if ev.worker.progressed.Load() {
		s.restarts[p] = 0
	}
	s.restarts[p]++
	restarts := s.restarts[p]

	// without a checkpoint the restart reads from the first uncommitted record
	if from := ev.worker.firstUncommitted(); from != "" {
		s.resume[p] = from
	}

	if restarts > s.config.MaxRestarts {
		s.sem.Release(1)
		s.logger.Error(
			"Partition exceeded restart limit",
			"partition", p,
			"max_restarts", s.config.MaxRestarts,
			"error", ev.err,
		)
		delete(s.resume, p)
		return &FatalError{Partition: p, Restarts: s.config.MaxRestarts, Cause: ev.err}
	}

	delay := s.config.RestartBackoff.Next(uint(restarts))
	s.logger.Warn(
		"Worker faulted, restarting",
		"partition", p,
		"restarts", restarts,
		"delay", delay,
		"error", ev.err,
	)
	s.telemetry.WorkerRestarts.Add(ctx, 1, metric.WithAttributes(sonarotel.AttrPartition.String(string(p))))

	// the faulted worker's slot is kept for the restart
	s.pending[p] = struct{}{}
	go s.acquire(ctx, p, delay)
	return nil
}

func (s *Supervisor) startProducers(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if len(s.producers) == 0 {
		close(done)
		return done
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.producers {
		g.Go(func() error { return p.run(gctx) })
	}

	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			emitError(s.errCh, s.logger, err)
		}
	}()

	return done
}

// shutdown stops every worker at its next batch boundary and waits for them
// and the producers, cancelling in-flight work after ShutdownTimeout
func (s *Supervisor) shutdown(killWorkers context.CancelFunc, producersDone <-chan struct{}) {
	s.logger.Info("Shutting down supervisor")

	s.mu.RLock()
	workers := make([]*partitionWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	for _, w := range workers {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, w := range workers {
			<-w.Done()
		}
		<-producersDone
	}()

	if !waitOrTimeout(done, s.config.ShutdownTimeout) {
		s.logger.Warn("Timeout waiting for workers to terminate, cancelling in-flight batches")
		killWorkers()
		if !waitOrTimeout(done, s.config.CallTimeout) {
			s.logger.Error("Workers did not terminate after cancellation")
		}
	}

	s.logger.Info("Supervisor shutdown complete")
}

func (s *Supervisor) owns(p stream.PartitionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[p]
	return ok
}

// Workers returns a snapshot of the worker handles, ordered by partition
func (s *Supervisor) Workers() []WorkerHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partitions := make([]stream.PartitionID, 0, len(s.workers))
	for p := range s.workers {
		partitions = append(partitions, p)
	}
	stream.SortPartitions(partitions)

	handles := make([]WorkerHandle, 0, len(partitions))
	for _, p := range partitions {
		handles = append(handles, s.workers[p].Handle())
	}
	return handles
}
