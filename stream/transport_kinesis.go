package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/hugolhafner/go-sonar/logger"
)

var _ Transport = (*KinesisTransport)(nil)

// KinesisAPI is the subset of the kinesis client used by the transport
type KinesisAPI interface {
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (
		*kinesis.ListShardsOutput, error,
	)
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (
		*kinesis.PutRecordOutput, error,
	)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (
		*kinesis.GetShardIteratorOutput, error,
	)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (
		*kinesis.GetRecordsOutput, error,
	)
}

type kinesisReader struct {
	iterator string
	cursor   Cursor
}

// KinesisTransport maps shards of a kinesis data stream onto partitions.
// Records are pinned to a shard with an explicit hash key taken from the
// shard's hash key range.
type KinesisTransport struct {
	client KinesisAPI
	stream string
	logger logger.Logger

	mu       sync.Mutex
	hashKeys map[PartitionID]string
	lastSeq  map[PartitionID]string
	readers  map[PartitionID]*kinesisReader
	closed   bool
}

func NewKinesisTransport(client KinesisAPI, streamName string, l logger.Logger) *KinesisTransport {
	if l == nil {
		l = logger.NewNoopLogger()
	}

	return &KinesisTransport{
		client:   client,
		stream:   streamName,
		logger:   l.With("component", "transport", "transport", "kinesis", "stream", streamName),
		hashKeys: make(map[PartitionID]string),
		lastSeq:  make(map[PartitionID]string),
		readers:  make(map[PartitionID]*kinesisReader),
	}
}

// ListPartitions returns the open shards of the stream
func (t *KinesisTransport) ListPartitions(ctx context.Context) ([]PartitionID, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	var (
		partitions []PartitionID
		hashKeys   = make(map[PartitionID]string)
		next       *string
	)

	for {
		in := &kinesis.ListShardsInput{}
		if next != nil {
			in.NextToken = next
		} else {
			in.StreamName = aws.String(t.stream)
		}

		out, err := t.client.ListShards(ctx, in)
		if err != nil {
			return nil, classifyKinesisError(err)
		}

		for _, shard := range out.Shards {
			if shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil {
				continue
			}
			id := PartitionID(aws.ToString(shard.ShardId))
			partitions = append(partitions, id)
			if shard.HashKeyRange != nil {
				hashKeys[id] = aws.ToString(shard.HashKeyRange.StartingHashKey)
			}
		}

		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	SortPartitions(partitions)

	t.mu.Lock()
	t.hashKeys = hashKeys
	t.mu.Unlock()

	return partitions, nil
}

func (t *KinesisTransport) PutRecord(ctx context.Context, partition PartitionID, record Record) (Position, error) {
	if err := t.checkOpen(); err != nil {
		return "", err
	}

	t.mu.Lock()
	hashKey, ok := t.hashKeys[partition]
	prevSeq := t.lastSeq[partition]
	t.mu.Unlock()

	if !ok {
		return "", NewTransientError(fmt.Errorf("%w: shard %s", ErrPartitionNotFound, partition))
	}

	in := &kinesis.PutRecordInput{
		StreamName:      aws.String(t.stream),
		PartitionKey:    aws.String(record.Key),
		Data:            record.Payload,
		ExplicitHashKey: aws.String(hashKey),
	}
	if prevSeq != "" {
		in.SequenceNumberForOrdering = aws.String(prevSeq)
	}

	out, err := t.client.PutRecord(ctx, in)
	if err != nil {
		return "", classifyKinesisError(err)
	}

	seq := aws.ToString(out.SequenceNumber)
	shard := PartitionID(aws.ToString(out.ShardId))
	if shard != "" && shard != partition {
		t.logger.Warn("Record landed on a different shard", "expected", partition, "actual", shard)
	}

	t.mu.Lock()
	t.lastSeq[partition] = seq
	t.mu.Unlock()

	return Position(seq), nil
}

func (t *KinesisTransport) GetRecords(ctx context.Context, partition PartitionID, cursor Cursor, max int) (
	[]Record, error,
) {
	iterator, err := t.iterator(ctx, partition, cursor)
	if err != nil {
		return nil, err
	}

	out, err := t.client.GetRecords(
		ctx, &kinesis.GetRecordsInput{
			ShardIterator: aws.String(iterator),
			Limit:         aws.Int32(int32(max)),
		},
	)
	if err != nil {
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			t.dropReader(partition)
		}
		return nil, classifyKinesisError(err)
	}

	records := make([]Record, 0, len(out.Records))
	for _, kr := range out.Records {
		rec := Record{
			Key:       aws.ToString(kr.PartitionKey),
			Payload:   kr.Data,
			Partition: partition,
			Position:  Position(aws.ToString(kr.SequenceNumber)),
		}
		if kr.ApproximateArrivalTimestamp != nil {
			rec.Timestamp = *kr.ApproximateArrivalTimestamp
		}
		records = append(records, rec)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if out.NextShardIterator == nil {
		// shard closed by resharding, a later read starts over from the cursor
		delete(t.readers, partition)
		return records, nil
	}

	r := &kinesisReader{iterator: aws.ToString(out.NextShardIterator), cursor: cursor}
	if len(records) > 0 {
		r.cursor = AfterPosition(records[len(records)-1].Position)
	}
	t.readers[partition] = r

	return records, nil
}

func (t *KinesisTransport) iterator(ctx context.Context, partition PartitionID, cursor Cursor) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	if r, ok := t.readers[partition]; ok && r.cursor == cursor {
		t.mu.Unlock()
		return r.iterator, nil
	}
	t.mu.Unlock()

	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(t.stream),
		ShardId:    aws.String(string(partition)),
	}

	switch {
	case cursor.After != "":
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(string(cursor.After))
	case cursor.At != "":
		in.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		in.StartingSequenceNumber = aws.String(string(cursor.At))
	case cursor.Initial == Latest:
		in.ShardIteratorType = types.ShardIteratorTypeLatest
	default:
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	}

	out, err := t.client.GetShardIterator(ctx, in)
	if err != nil {
		return "", classifyKinesisError(err)
	}

	t.logger.Debug("Opened shard iterator", "partition", partition, "cursor", cursor)
	return aws.ToString(out.ShardIterator), nil
}

func (t *KinesisTransport) dropReader(partition PartitionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.readers, partition)
}

func (t *KinesisTransport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *KinesisTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readers = make(map[PartitionID]*kinesisReader)
}

func classifyKinesisError(err error) error {
	var (
		throughput  *types.ProvisionedThroughputExceededException
		kmsThrottle *types.KMSThrottlingException
		limit       *types.LimitExceededException
		notFound    *types.ResourceNotFoundException
		expired     *types.ExpiredIteratorException
		invalid     *types.InvalidArgumentException
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &throughput), errors.As(err, &kmsThrottle), errors.As(err, &limit):
		return NewTransientError(fmt.Errorf("%w: %w", ErrThrottled, err))
	case errors.As(err, &notFound):
		return NewTransientError(fmt.Errorf("%w: %w", ErrPartitionNotFound, err))
	case errors.As(err, &expired):
		return NewTransientError(err)
	case errors.As(err, &invalid):
		return NewPermanentError(err)
	default:
		return NewTransientError(err)
	}
}
