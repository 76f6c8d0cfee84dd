package writer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Writer appends records to the partition selected by their key. It is safe
// for concurrent use by multiple producers.
type Writer struct {
	producer stream.Producer
	config   Config
	logger   logger.Logger
	now      func() time.Time

	mu          sync.Mutex
	partitions  []stream.PartitionID
	refreshedAt time.Time

	seqMu     sync.Mutex
	sequences map[stream.PartitionID]uint64
}

func New(producer stream.Producer, opts ...Option) *Writer {
	config := defaultConfig()
	for _, opt := range opts {
		opt.apply(&config)
	}

	return &Writer{
		producer:  producer,
		config:    config,
		logger:    config.Logger.With("component", "writer"),
		now:       time.Now,
		sequences: make(map[stream.PartitionID]uint64),
	}
}

// Send writes the record and returns the position assigned by the stream.
// Failures are reported as *WriteError, except for cancellation of ctx.
func (w *Writer) Send(ctx context.Context, record stream.Record) (stream.Position, error) {
	tel := w.config.Telemetry
	start := time.Now()

	ctx, span := tel.Tracer.Start(ctx, "sonar.write", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	pos, partition, err := w.send(ctx, record)

	status := sonarotel.StatusSuccess
	switch {
	case err == nil:
	case IsRejected(err):
		status = sonarotel.StatusRejected
	default:
		status = sonarotel.StatusFailed
	}

	attrs := metric.WithAttributes(sonarotel.AttrStatus.String(status), sonarotel.AttrPartition.String(string(partition)))
	tel.WriteDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tel.Errors.Add(ctx, 1, metric.WithAttributes(sonarotel.AttrErrorPhase.String("write")))
		return "", err
	}

	tel.RecordsProduced.Add(ctx, 1, attrs)
	return pos, nil
}

func (w *Writer) send(ctx context.Context, record stream.Record) (stream.Position, stream.PartitionID, error) {
	if err := w.validate(record); err != nil {
		return "", "", &WriteError{Kind: KindRejected, Key: record.Key, Cause: err}
	}

	var (
		partition stream.PartitionID
		pos       stream.Position
		attempts  int
		hinted    bool
	)

	policy := retry.Policy{
		MaxAttempts: w.config.MaxAttempts,
		Backoff:     w.config.Backoff,
		Retryable:   stream.IsTransient,
		OnRetry: func(attempt int, err error) {
			w.logger.Warn(
				"Transient write failure, retrying",
				"key", record.Key,
				"partition", partition,
				"attempt", attempt,
				"error", err,
			)
		},
	}

	err := retry.Do(
		ctx, policy, func(ctx context.Context, attempt int) error {
			attempts = attempt

			partitions, err := w.Partitions(ctx)
			if err != nil {
				return err
			}
			partition = w.config.Partitioner.Partition(record.Key, partitions)

			if record.SequenceHint == "" || hinted {
				record.SequenceHint = w.nextSequence(partition)
				hinted = true
			}

			callCtx, cancel := context.WithTimeout(ctx, w.config.CallTimeout)
			defer cancel()

			w.config.Telemetry.WriteAttempts.Add(ctx, 1)
			pos, err = w.producer.PutRecord(callCtx, partition, record)
			if errors.Is(err, stream.ErrPartitionNotFound) {
				w.invalidate()
				return stream.NewTransientError(err)
			}
			return err
		},
	)

	if err == nil {
		return pos, partition, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", partition, fmt.Errorf("write record %q: %w", record.Key, ctxErr)
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		w.logger.Error("Write attempts exhausted", "key", record.Key, "partition", partition, "attempts", attempts, "error", err)
		return "", partition, &WriteError{Kind: KindExhausted, Key: record.Key, Attempts: exhausted.Attempts, Cause: exhausted.Cause}
	}

	w.logger.Error("Record rejected by stream", "key", record.Key, "partition", partition, "error", err)
	return "", partition, &WriteError{Kind: KindRejected, Key: record.Key, Attempts: attempts, Cause: err}
}

func (w *Writer) validate(record stream.Record) error {
	if record.Key == "" {
		return ErrEmptyKey
	}
	if len(record.Key) > w.config.MaxKeyLength {
		return fmt.Errorf("%w: %d > %d", ErrKeyTooLong, len(record.Key), w.config.MaxKeyLength)
	}
	if record.Size() > w.config.MaxRecordSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, record.Size(), w.config.MaxRecordSize)
	}
	return nil
}

// Partitions returns the cached, sorted partition list, refreshing it when
// older than the refresh interval
func (w *Writer) Partitions(ctx context.Context) ([]stream.PartitionID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.partitions) > 0 && w.now().Sub(w.refreshedAt) < w.config.PartitionRefreshInterval {
		return w.partitions, nil
	}

	partitions, err := w.producer.ListPartitions(ctx)
	if err != nil {
		if len(w.partitions) > 0 {
			w.logger.Warn("Partition refresh failed, using cached list", "error", err)
			return w.partitions, nil
		}
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	if len(partitions) == 0 {
		return nil, stream.NewTransientError(ErrNoPartitions)
	}

	sorted := make([]stream.PartitionID, len(partitions))
	copy(sorted, partitions)
	stream.SortPartitions(sorted)

	if len(w.partitions) != len(sorted) {
		w.logger.Info("Partition set changed", "previous", len(w.partitions), "current", len(sorted))
	}

	w.partitions = sorted
	w.refreshedAt = w.now()
	return w.partitions, nil
}

func (w *Writer) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refreshedAt = time.Time{}
}

func (w *Writer) nextSequence(partition stream.PartitionID) string {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()

	seq := w.sequences[partition]
	w.sequences[partition] = seq + 1
	return strconv.FormatUint(seq, 10)
}
