//go:build unit

package stream_test

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/hugolhafner/go-sonar/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKinesis is a single page, in-memory kinesis with iterators encoded as
// "<shard>/<index>"
type fakeKinesis struct {
	mu        sync.Mutex
	shards    []types.Shard
	records   map[string][]types.Record
	puts      []*kinesis.PutRecordInput
	iterators []*kinesis.GetShardIteratorInput
	putErr    error
}

func newFakeKinesis(shardIDs ...string) *fakeKinesis {
	f := &fakeKinesis{records: make(map[string][]types.Record)}
	for i, id := range shardIDs {
		f.shards = append(
			f.shards, types.Shard{
				ShardId: aws.String(id),
				HashKeyRange: &types.HashKeyRange{
					StartingHashKey: aws.String(strconv.Itoa(i * 1000)),
					EndingHashKey:   aws.String(strconv.Itoa(i*1000 + 999)),
				},
				SequenceNumberRange: &types.SequenceNumberRange{StartingSequenceNumber: aws.String("1")},
			},
		)
	}
	return f
}

func (f *fakeKinesis) shardFor(hashKey string) string {
	for _, s := range f.shards {
		if aws.ToString(s.HashKeyRange.StartingHashKey) == hashKey {
			return aws.ToString(s.ShardId)
		}
	}
	return ""
}

func (f *fakeKinesis) ListShards(_ context.Context, _ *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (
	*kinesis.ListShardsOutput, error,
) {
	return &kinesis.ListShardsOutput{Shards: f.shards}, nil
}

func (f *fakeKinesis) PutRecord(_ context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (
	*kinesis.PutRecordOutput, error,
) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts = append(f.puts, in)
	if f.putErr != nil {
		return nil, f.putErr
	}

	shard := f.shardFor(aws.ToString(in.ExplicitHashKey))
	seq := strconv.Itoa(1000 + len(f.records[shard]))
	f.records[shard] = append(
		f.records[shard], types.Record{
			Data:           in.Data,
			PartitionKey:   in.PartitionKey,
			SequenceNumber: aws.String(seq),
		},
	)
	return &kinesis.PutRecordOutput{ShardId: aws.String(shard), SequenceNumber: aws.String(seq)}, nil
}

func (f *fakeKinesis) GetShardIterator(
	_ context.Context, in *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options),
) (*kinesis.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.iterators = append(f.iterators, in)
	shard := aws.ToString(in.ShardId)
	log := f.records[shard]

	idx := 0
	switch in.ShardIteratorType {
	case types.ShardIteratorTypeLatest:
		idx = len(log)
	case types.ShardIteratorTypeAfterSequenceNumber, types.ShardIteratorTypeAtSequenceNumber:
		for i, r := range log {
			if aws.ToString(r.SequenceNumber) == aws.ToString(in.StartingSequenceNumber) {
				idx = i
				if in.ShardIteratorType == types.ShardIteratorTypeAfterSequenceNumber {
					idx++
				}
			}
		}
	}

	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(shard + "/" + strconv.Itoa(idx))}, nil
}

func (f *fakeKinesis) GetRecords(_ context.Context, in *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (
	*kinesis.GetRecordsOutput, error,
) {
	f.mu.Lock()
	defer f.mu.Unlock()

	it := aws.ToString(in.ShardIterator)
	var shard string
	var idx int
	for i := len(it) - 1; i >= 0; i-- {
		if it[i] == '/' {
			shard = it[:i]
			idx, _ = strconv.Atoi(it[i+1:])
			break
		}
	}

	log := f.records[shard]
	end := idx + int(aws.ToInt32(in.Limit))
	if end > len(log) {
		end = len(log)
	}

	return &kinesis.GetRecordsOutput{
		Records:           append([]types.Record(nil), log[idx:end]...),
		NextShardIterator: aws.String(shard + "/" + strconv.Itoa(end)),
	}, nil
}

func TestKinesisTransport_ListPartitionsSkipsClosedShards(t *testing.T) {
	t.Parallel()

	fake := newFakeKinesis("shardId-000000000001", "shardId-000000000000")
	fake.shards = append(
		fake.shards, types.Shard{
			ShardId:      aws.String("shardId-000000000002"),
			HashKeyRange: &types.HashKeyRange{StartingHashKey: aws.String("5000")},
			SequenceNumberRange: &types.SequenceNumberRange{
				StartingSequenceNumber: aws.String("1"),
				EndingSequenceNumber:   aws.String("2"),
			},
		},
	)

	tr := stream.NewKinesisTransport(fake, "Sonar-Kinesis-Test", nil)
	partitions, err := tr.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []stream.PartitionID{"shardId-000000000000", "shardId-000000000001"}, partitions)
}

func TestKinesisTransport_PutRecordPinsShardAndOrders(t *testing.T) {
	t.Parallel()

	fake := newFakeKinesis("shardId-000000000000", "shardId-000000000001")
	tr := stream.NewKinesisTransport(fake, "Sonar-Kinesis-Test", nil)
	ctx := context.Background()

	_, err := tr.ListPartitions(ctx)
	require.NoError(t, err)

	first, err := tr.PutRecord(ctx, "shardId-000000000001", stream.NewRecord("Message Publisher - 0", []byte("a")))
	require.NoError(t, err)
	_, err = tr.PutRecord(ctx, "shardId-000000000001", stream.NewRecord("Message Publisher - 0", []byte("b")))
	require.NoError(t, err)

	require.Len(t, fake.puts, 2)
	assert.Equal(t, "1000", aws.ToString(fake.puts[0].ExplicitHashKey))
	assert.Nil(t, fake.puts[0].SequenceNumberForOrdering)
	assert.Equal(t, string(first), aws.ToString(fake.puts[1].SequenceNumberForOrdering))
	assert.Equal(t, "Sonar-Kinesis-Test", aws.ToString(fake.puts[1].StreamName))
}

func TestKinesisTransport_PutRecordUnknownShard(t *testing.T) {
	t.Parallel()

	tr := stream.NewKinesisTransport(newFakeKinesis("shardId-000000000000"), "s", nil)
	_, err := tr.PutRecord(context.Background(), "shardId-000000000000", stream.NewRecord("k", nil))
	require.ErrorIs(t, err, stream.ErrPartitionNotFound)
	assert.True(t, stream.IsTransient(err))
}

func TestKinesisTransport_ThrottlingIsTransient(t *testing.T) {
	t.Parallel()

	fake := newFakeKinesis("shardId-000000000000")
	fake.putErr = &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	tr := stream.NewKinesisTransport(fake, "s", nil)

	_, err := tr.ListPartitions(context.Background())
	require.NoError(t, err)

	_, err = tr.PutRecord(context.Background(), "shardId-000000000000", stream.NewRecord("k", nil))
	require.ErrorIs(t, err, stream.ErrThrottled)
	assert.True(t, stream.IsTransient(err))
}

func TestKinesisTransport_GetRecordsContinuesIterator(t *testing.T) {
	t.Parallel()

	fake := newFakeKinesis("shardId-000000000000")
	tr := stream.NewKinesisTransport(fake, "s", nil)
	ctx := context.Background()
	shard := stream.PartitionID("shardId-000000000000")

	_, err := tr.ListPartitions(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := tr.PutRecord(ctx, shard, stream.NewRecord("k", []byte{byte('a' + i)}))
		require.NoError(t, err)
	}

	batch, err := tr.GetRecords(ctx, shard, stream.FromInitial(stream.Earliest), 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, shard, batch[0].Partition)
	assert.Equal(t, "k", batch[0].Key)

	next, err := tr.GetRecords(ctx, shard, stream.AfterPosition(batch[2].Position), 3)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, []byte("d"), next[0].Payload)

	// the second read continued the iterator instead of asking for a new one
	assert.Len(t, fake.iterators, 1)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, fake.iterators[0].ShardIteratorType)

	replay, err := tr.GetRecords(ctx, shard, stream.AtPosition(batch[1].Position), 10)
	require.NoError(t, err)
	require.Len(t, replay, 4)
	assert.Len(t, fake.iterators, 2)
	assert.Equal(t, types.ShardIteratorTypeAtSequenceNumber, fake.iterators[1].ShardIteratorType)
}

func TestKinesisTransport_LatestSurvivesEmptyReads(t *testing.T) {
	t.Parallel()

	fake := newFakeKinesis("shardId-000000000000")
	tr := stream.NewKinesisTransport(fake, "s", nil)
	ctx := context.Background()
	shard := stream.PartitionID("shardId-000000000000")

	_, err := tr.ListPartitions(ctx)
	require.NoError(t, err)
	_, err = tr.PutRecord(ctx, shard, stream.NewRecord("k", []byte("old")))
	require.NoError(t, err)

	latest := stream.FromInitial(stream.Latest)
	empty, err := tr.GetRecords(ctx, shard, latest, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = tr.PutRecord(ctx, shard, stream.NewRecord("k", []byte("new")))
	require.NoError(t, err)

	got, err := tr.GetRecords(ctx, shard, latest, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("new"), got[0].Payload)
}

func TestKinesisTransport_Closed(t *testing.T) {
	t.Parallel()

	tr := stream.NewKinesisTransport(newFakeKinesis("shardId-000000000000"), "s", nil)
	tr.Close()

	_, err := tr.ListPartitions(context.Background())
	require.ErrorIs(t, err, stream.ErrClosed)
	_, err = tr.GetRecords(context.Background(), "shardId-000000000000", stream.Cursor{}, 1)
	require.ErrorIs(t, err, stream.ErrClosed)
}
