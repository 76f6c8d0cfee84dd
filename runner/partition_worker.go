package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/errorhandler"
	"github.com/hugolhafner/go-sonar/lease"
	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// partitionWorker processes one leased partition in its own goroutine. It
// moves through Initializing -> Processing -> (ShuttingDown | Faulted) ->
// Terminated and only commits a checkpoint after a whole batch succeeded.
type partitionWorker struct {
	id        string
	partition stream.PartitionID
	owner     string

	consumer  stream.Consumer
	store     checkpoint.Store
	leases    lease.Table
	processor processor.Processor
	handler   errorhandler.Handler

	config    Config
	restarts  int
	// resumeAt is where a restarted worker reads from when no checkpoint exists
	resumeAt  stream.Position
	logger    logger.Logger
	telemetry *sonarotel.Telemetry
	attrs     metric.MeasurementOption

	status     atomic.Int32
	progressed atomic.Bool

	mu          sync.Mutex
	lease       lease.Lease
	checkpoint  stream.Position
	uncommitted stream.Position

	stopCh   chan struct{}
	stopOnce sync.Once
	lostCh   chan struct{}
	lostOnce sync.Once
	lostErr  error
	doneCh   chan struct{}
}

type workerDeps struct {
	consumer  stream.Consumer
	store     checkpoint.Store
	leases    lease.Table
	processor processor.Processor
	handler   errorhandler.Handler
}

func newPartitionWorker(id string, l lease.Lease, deps workerDeps, restarts int, config Config) *partitionWorker {
	w := &partitionWorker{
		id:        id,
		partition: l.Partition,
		owner:     l.Owner,
		consumer:  deps.consumer,
		store:     deps.store,
		leases:    deps.leases,
		processor: deps.processor,
		handler:   deps.handler,
		config:    config,
		restarts:  restarts,
		logger: config.Logger.With(
			"component", "partition-worker",
			"partition", l.Partition,
			"worker_id", id,
		),
		telemetry: config.Telemetry,
		attrs:     metric.WithAttributes(sonarotel.AttrPartition.String(string(l.Partition))),
		lease:     l,
		stopCh:    make(chan struct{}),
		lostCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	w.status.Store(int32(StatusInitializing))
	return w
}

// run drives the worker until shutdown, a fault or loss of the lease. A nil
// result means the worker stopped on request after its last batch.
func (w *partitionWorker) run(ctx context.Context) (err error) {
	defer close(w.doneCh)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	renewCtx, stopRenew := context.WithCancel(workCtx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLoop(renewCtx, cancelWork)
	}()

	w.logger.Info("Partition worker started", "lease_expiry", w.currentLease().Expiry)

	err = w.process(workCtx)

	stopRenew()
	<-renewDone

	w.finish(ctx, err)
	return err
}

func (w *partitionWorker) process(ctx context.Context) error {
	cursor, err := w.initialize(ctx)
	if err != nil {
		return err
	}

	w.setStatus(StatusProcessing)

	attempt := 1
	for {
		if err := w.lost(); err != nil {
			return err
		}

		// cancellation is only honoured between batches
		select {
		case <-w.stopCh:
			w.setStatus(StatusShuttingDown)
			w.logger.Info("Shutdown requested, stopping at batch boundary")
			return nil
		default:
		}

		batch, err := w.pull(ctx, cursor)
		if err != nil {
			ec := errorhandler.NewErrorContext(w.partition, err).
				WithAttempt(attempt).
				WithPhase(errorhandler.PhasePull)
			if err := w.decide(ctx, ec); err != nil {
				return fmt.Errorf("pull partition %s: %w", w.partition, err)
			}
			attempt++
			continue
		}

		if len(batch) == 0 {
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}

		redeliver, err := w.handleBatch(ctx, batch, attempt)
		if err != nil {
			return err
		}

		if redeliver {
			// pin the read to the first record so an uncommitted batch read
			// from the latest position is not skipped
			cursor = stream.AtPosition(batch[0].Position)
			attempt++
			continue
		}

		cursor = stream.AfterPosition(batch[len(batch)-1].Position)
		attempt = 1
	}
}

// initialize loads the checkpoint and prepares the processor
func (w *partitionWorker) initialize(ctx context.Context) (stream.Cursor, error) {
	w.setStatus(StatusInitializing)

	var (
		cp    checkpoint.Checkpoint
		found bool
	)

	err := retry.Do(
		ctx, w.policy("load checkpoint", isUnavailable), func(ctx context.Context, _ int) error {
			callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
			defer cancel()

			var err error
			cp, found, err = w.store.Get(callCtx, w.partition)
			return err
		},
	)
	if err != nil {
		if lostErr := w.lost(); lostErr != nil {
			return stream.Cursor{}, lostErr
		}
		return stream.Cursor{}, fmt.Errorf("load checkpoint of partition %s: %w", w.partition, err)
	}

	if init, ok := w.processor.(processor.Initializer); ok {
		if err := init.Init(ctx, w.partition); err != nil {
			return stream.Cursor{}, &ProcessError{Partition: w.partition, Cause: err}
		}
	}

	if !found && w.resumeAt != "" {
		w.logger.Info("No checkpoint found, resuming at first uncommitted record", "position", w.resumeAt)
		return stream.AtPosition(w.resumeAt), nil
	}

	if !found {
		w.logger.Info("No checkpoint found, starting from initial position", "initial", w.config.InitialPosition)
		return stream.FromInitial(w.config.InitialPosition), nil
	}

	w.setCheckpoint(cp.Position)
	w.logger.Info("Resuming after checkpoint", "checkpoint", cp.Position)
	return stream.AfterPosition(cp.Position), nil
}

func (w *partitionWorker) pull(ctx context.Context, cursor stream.Cursor) ([]stream.Record, error) {
	var records []stream.Record

	err := retry.Do(
		ctx, w.policy("pull", stream.IsTransient), func(ctx context.Context, _ int) error {
			callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
			defer cancel()

			start := time.Now()
			var err error
			records, err = w.consumer.GetRecords(callCtx, w.partition, cursor, w.config.BatchSize)

			status := sonarotel.StatusSuccess
			if err != nil {
				status = sonarotel.StatusError
			}
			w.telemetry.PullDuration.Record(
				ctx, time.Since(start).Seconds(), w.attrs,
				metric.WithAttributes(sonarotel.AttrStatus.String(status)),
			)
			return err
		},
	)

	if err == nil && len(records) > 0 {
		w.logger.Debug("Pulled batch", "cursor", cursor, "count", len(records))
	}
	return records, err
}

// handleBatch processes and commits one batch. It reports redeliver when the
// error handler asked for the batch again.
func (w *partitionWorker) handleBatch(ctx context.Context, batch []stream.Record, attempt int) (bool, error) {
	start := time.Now()
	ctx, span := w.telemetry.Tracer.Start(
		ctx, "sonar.batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			sonarotel.AttrPartition.String(string(w.partition)),
			attribute.Int("sonar.batch.size", len(batch)),
			attribute.Int("sonar.batch.attempt", attempt),
			attribute.String("sonar.batch.first", string(batch[0].Position)),
		),
	)
	defer span.End()

	w.markUncommitted(batch[0].Position)

	status := sonarotel.StatusSuccess
	defer func() {
		w.telemetry.BatchDuration.Record(
			ctx, time.Since(start).Seconds(), w.attrs,
			metric.WithAttributes(sonarotel.AttrStatus.String(status)),
		)
	}()

	failed, err := w.processBatch(ctx, batch)
	if err != nil {
		span.RecordError(err)

		ec := errorhandler.NewErrorContext(w.partition, err).
			WithRecord(failed).
			WithBatchSize(len(batch)).
			WithAttempt(attempt).
			WithPhase(errorhandler.PhaseProcess)
		if err := w.decide(ctx, ec); err != nil {
			status = sonarotel.StatusFailed
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}

		status = sonarotel.StatusRetry
		w.logger.Debug("Redelivering batch", "attempt", attempt+1, "first", batch[0].Position)
		return true, nil
	}

	// never commit on behalf of a lease we no longer hold
	if err := w.lost(); err != nil {
		status = sonarotel.StatusFailed
		return false, err
	}

	last := batch[len(batch)-1].Position
	if err := w.commit(ctx, last, len(batch)); err != nil {
		status = sonarotel.StatusFailed
		if errors.Is(err, checkpoint.ErrStale) {
			status = sonarotel.StatusStale
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	span.SetAttributes(attribute.String("sonar.checkpoint", string(last)))
	return false, nil
}

// processBatch hands every record to the processor in order, stopping at the
// first failure
func (w *partitionWorker) processBatch(ctx context.Context, batch []stream.Record) (stream.Record, error) {
	for _, r := range batch {
		if err := w.safeProcess(ctx, r); err != nil {
			return r, &ProcessError{Partition: w.partition, Position: r.Position, Cause: err}
		}
		w.telemetry.RecordsProcessed.Add(ctx, 1, w.attrs)
	}
	return stream.Record{}, nil
}

func (w *partitionWorker) safeProcess(ctx context.Context, r stream.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()
	return w.processor.Process(ctx, r)
}

// commit advances the checkpoint from the last loaded or committed position
func (w *partitionWorker) commit(ctx context.Context, position stream.Position, batchSize int) error {
	prior := w.currentCheckpoint()

	for attempt := 1; ; attempt++ {
		err := w.commitOnce(ctx, position, prior, attempt > 1)
		if err == nil {
			w.setCheckpoint(position)
			w.progressed.Store(true)
			w.telemetry.CheckpointCommits.Add(
				ctx, 1, w.attrs, metric.WithAttributes(sonarotel.AttrStatus.String(sonarotel.StatusSuccess)),
			)
			w.logger.Debug("Checkpoint committed", "position", position, "prior", prior)
			return nil
		}

		if errors.Is(err, checkpoint.ErrStale) {
			w.telemetry.CheckpointCommits.Add(
				ctx, 1, w.attrs, metric.WithAttributes(sonarotel.AttrStatus.String(sonarotel.StatusStale)),
			)
			w.logger.Warn(
				"Checkpoint moved underneath this worker, stopping",
				"position", position,
				"prior", prior,
				"error", err,
			)
			return fmt.Errorf("commit checkpoint %s: %w", position, err)
		}

		w.telemetry.CheckpointCommits.Add(
			ctx, 1, w.attrs, metric.WithAttributes(sonarotel.AttrStatus.String(sonarotel.StatusError)),
		)

		ec := errorhandler.NewErrorContext(w.partition, err).
			WithBatchSize(batchSize).
			WithAttempt(attempt).
			WithPhase(errorhandler.PhaseCommit)
		if err := w.decide(ctx, ec); err != nil {
			return fmt.Errorf("commit checkpoint %s: %w", position, err)
		}
	}
}

func (w *partitionWorker) commitOnce(
	ctx context.Context, position, prior stream.Position, retried bool,
) error {
	return retry.Do(
		ctx, w.policy("commit", isUnavailable), func(ctx context.Context, attempt int) error {
			callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
			defer cancel()

			err := w.store.Commit(callCtx, w.partition, position, prior)
			if errors.Is(err, checkpoint.ErrStale) && (retried || attempt > 1) {
				// an earlier attempt may have landed before its response was lost
				if cp, ok, getErr := w.store.Get(callCtx, w.partition); getErr == nil && ok && cp.Position == position {
					return nil
				}
			}
			return err
		},
	)
}

// decide consults the error handler. It returns nil when the batch should be
// tried again and the error to fault with otherwise.
func (w *partitionWorker) decide(ctx context.Context, ec errorhandler.ErrorContext) error {
	if err := w.lost(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	phase := sonarotel.AttrErrorPhase.String(ec.Phase.String())
	w.telemetry.Errors.Add(ctx, 1, w.attrs, metric.WithAttributes(phase))

	action := w.handler.Handle(ctx, ec)

	w.telemetry.ErrorHandlerActions.Add(
		ctx, 1, w.attrs,
		metric.WithAttributes(phase, sonarotel.AttrErrorAction.String(action.Type().String())),
	)

	switch action.Type() {
	case errorhandler.ActionTypeRetry:
		if ec.Attempt%10 == 0 {
			w.logger.Warn(
				"Batch seen high number of retry attempts",
				"attempt", ec.Attempt,
				"phase", ec.Phase.String(),
				"error", ec.Error,
			)
		}
		return nil
	case errorhandler.ActionTypeFail:
		return ec.Error
	default:
		w.logger.Error("Unknown error handler action, failing", "action", action.Type().String(), "error", ec.Error)
		return ec.Error
	}
}

func (w *partitionWorker) idle(ctx context.Context) error {
	t := time.NewTimer(w.config.IdleInterval)
	defer t.Stop()

	select {
	case <-t.C:
	case <-w.stopCh:
	case <-w.lostCh:
	case <-ctx.Done():
		if err := w.lost(); err != nil {
			return err
		}
		return ctx.Err()
	}
	return nil
}

// renewLoop extends the lease every third of its ttl. Losing the lease
// cancels in-flight work.
func (w *partitionWorker) renewLoop(ctx context.Context, cancelWork context.CancelFunc) {
	t := time.NewTicker(w.config.LeaseTTL / 3)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		current := w.currentLease()

		callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
		next, err := w.leases.Renew(callCtx, current)
		cancel()

		if err == nil {
			w.setLease(next)
			w.leaseEvent(ctx, sonarotel.LeaseRenewed)
			continue
		}

		if ctx.Err() != nil {
			return
		}

		if lease.IsLost(err) || current.Expired(time.Now()) {
			w.logger.Warn("Lease lost, stopping worker", "error", err)
			w.leaseEvent(ctx, sonarotel.LeaseLost)
			w.markLost(err)
			cancelWork()
			return
		}

		w.logger.Warn("Lease renewal failed, retrying on next tick", "error", err, "expiry", current.Expiry)
	}
}

// finish runs the exit transitions and releases what the worker still owns
func (w *partitionWorker) finish(ctx context.Context, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseLost):
	case errors.Is(err, checkpoint.ErrStale):
	case ctx.Err() != nil:
		w.logger.Warn("Worker cancelled before reaching a batch boundary", "error", err)
	default:
		w.setStatus(StatusFaulted)
		w.logger.Error("Partition worker faulted", "error", err)
	}

	if closer, ok := w.processor.(processor.Closer); ok {
		if err := closer.Close(); err != nil {
			w.logger.Warn("Failed to close processor", "error", err)
		}
	}

	if !errors.Is(err, ErrLeaseLost) {
		w.release(ctx)
	}

	w.setStatus(StatusTerminated)
	w.logger.Info("Partition worker terminated", "checkpoint", w.currentCheckpoint())
}

func (w *partitionWorker) release(ctx context.Context) {
	releaseCtx, cancel := detached(ctx, w.config.CallTimeout)
	defer cancel()

	if err := w.leases.Release(releaseCtx, w.currentLease()); err != nil {
		w.logger.Warn("Failed to release lease", "error", err)
		return
	}

	w.leaseEvent(releaseCtx, sonarotel.LeaseReleased)
	w.logger.Debug("Lease released")
}

func (w *partitionWorker) policy(op string, retryable func(error) bool) retry.Policy {
	return retry.Policy{
		MaxAttempts: w.config.RetryAttempts,
		Backoff:     w.config.RetryBackoff,
		Retryable:   retryable,
		OnRetry: func(attempt int, err error) {
			w.logger.Warn("Transient failure, retrying", "operation", op, "attempt", attempt, "error", err)
		},
	}
}

func (w *partitionWorker) leaseEvent(ctx context.Context, event string) {
	w.telemetry.LeaseEvents.Add(ctx, 1, w.attrs, metric.WithAttributes(sonarotel.AttrLeaseEvent.String(event)))
}

func (w *partitionWorker) markLost(err error) {
	w.lostOnce.Do(
		func() {
			w.lostErr = fmt.Errorf("%w: partition %s: %w", ErrLeaseLost, w.partition, err)
			close(w.lostCh)
		},
	)
}

func (w *partitionWorker) lost() error {
	select {
	case <-w.lostCh:
		return w.lostErr
	default:
		return nil
	}
}

// Stop asks the worker to stop at the next batch boundary and returns immediately
func (w *partitionWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed once the worker terminated
func (w *partitionWorker) Done() <-chan struct{} {
	return w.doneCh
}

func (w *partitionWorker) Status() WorkerStatus {
	return WorkerStatus(w.status.Load())
}

func (w *partitionWorker) setStatus(s WorkerStatus) {
	w.status.Store(int32(s))
}

func (w *partitionWorker) Handle() WorkerHandle {
	return WorkerHandle{
		ID:         w.id,
		Partition:  w.partition,
		Owner:      w.owner,
		Status:     w.Status(),
		Checkpoint: w.currentCheckpoint(),
		Restarts:   w.restarts,
	}
}

func (w *partitionWorker) currentLease() lease.Lease {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lease
}

func (w *partitionWorker) setLease(l lease.Lease) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lease = l
}

func (w *partitionWorker) currentCheckpoint() stream.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

func (w *partitionWorker) setCheckpoint(p stream.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpoint = p
	w.uncommitted = ""
}

// markUncommitted remembers the first record pulled since the last commit
func (w *partitionWorker) markUncommitted(p stream.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.uncommitted == "" {
		w.uncommitted = p
	}
}

// firstUncommitted is empty once everything pulled has been committed
func (w *partitionWorker) firstUncommitted() stream.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uncommitted
}

func isUnavailable(err error) bool {
	return errors.Is(err, checkpoint.ErrUnavailable)
}
