//go:build unit

package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestClassifyKafkaError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		transient bool
		is        error
	}{
		{"too large", kerr.MessageTooLarge, false, ErrRecordTooLarge},
		{"unknown partition", kerr.UnknownTopicOrPartition, true, ErrPartitionNotFound},
		{"not leader", kerr.NotLeaderForPartition, true, kerr.NotLeaderForPartition},
		{"record timeout", kgo.ErrRecordTimeout, true, kgo.ErrRecordTimeout},
		{"invalid record", kerr.InvalidRecord, false, kerr.InvalidRecord},
		{"dial", errors.New("dial tcp 127.0.0.1:9092: connection refused"), true, nil},
		{"cancelled", context.Canceled, false, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()

				err := classifyKafkaError(tt.err)
				assert.Equal(t, tt.transient, IsTransient(err))
				if tt.is != nil {
					assert.ErrorIs(t, err, tt.is)
				}
			},
		)
	}
}

func TestClassifySaramaError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPermanent(classifySaramaError(sarama.ErrMessageSizeTooLarge)))
	assert.ErrorIs(t, classifySaramaError(sarama.ErrMessageSizeTooLarge), ErrRecordTooLarge)
	assert.True(t, IsTransient(classifySaramaError(sarama.ErrNotLeaderForPartition)))
	assert.ErrorIs(t, classifySaramaError(sarama.ErrUnknownTopicOrPartition), ErrPartitionNotFound)
	assert.False(t, IsTransient(classifySaramaError(sarama.ErrClosedClient)))
	assert.Nil(t, classifySaramaError(nil))
}

func TestKafkaCursorOffsets(t *testing.T) {
	t.Parallel()

	off, err := saramaOffset(AfterPosition("41"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), off)

	off, err = saramaOffset(AtPosition("41"))
	require.NoError(t, err)
	assert.Equal(t, int64(41), off)

	off, err = saramaOffset(FromInitial(Latest))
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, off)

	off, err = saramaOffset(FromInitial(Earliest))
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, off)

	_, err = saramaOffset(AfterPosition("not-a-number"))
	assert.True(t, IsPermanent(err))

	_, err = kgoOffset(AtPosition("x"))
	assert.True(t, IsPermanent(err))
}

func TestKafkaPartitionIDs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PartitionID("7"), kafkaPartitionID(7))

	p, err := parseKafkaPartition("12")
	require.NoError(t, err)
	assert.Equal(t, int32(12), p)

	_, err = parseKafkaPartition("shardId-000000000000")
	assert.ErrorIs(t, err, ErrPartitionNotFound)
	assert.True(t, IsPermanent(err))
}

func TestFromKgoRecord(t *testing.T) {
	t.Parallel()

	rec := fromKgoRecord(
		&kgo.Record{
			Key:       []byte("k"),
			Value:     []byte("v"),
			Partition: 3,
			Offset:    99,
			Headers:   []kgo.RecordHeader{{Key: SequenceHeader, Value: []byte("5")}},
		},
	)

	assert.Equal(t, "k", rec.Key)
	assert.Equal(t, PartitionID("3"), rec.Partition)
	assert.Equal(t, Position("99"), rec.Position)
	assert.Equal(t, "5", rec.SequenceHint)
}
