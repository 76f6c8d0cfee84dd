//go:build unit

package errorhandler_test

import (
	"errors"
	"testing"

	"github.com/hugolhafner/go-sonar/errorhandler"
	"github.com/hugolhafner/go-sonar/stream"
	"github.com/stretchr/testify/require"
)

func TestNewErrorContext(t *testing.T) {
	t.Parallel()
	ec := errorhandler.NewErrorContext("shard-1", nil)

	require.Equal(t, stream.PartitionID("shard-1"), ec.Partition)
	require.Nil(t, ec.Error)
	require.Equal(t, 1, ec.Attempt)
	require.Equal(t, errorhandler.PhaseUnknown, ec.Phase)
	require.Empty(t, ec.Record.Key)
}

func TestErrorContext_WithRecordCopies(t *testing.T) {
	t.Parallel()
	payload := []byte("value-123")
	record := stream.Record{Key: "key-123", Payload: payload, Partition: "1", Position: "10"}

	ec := errorhandler.NewErrorContext("1", nil).WithRecord(record)
	payload[0] = 'X'

	require.Equal(t, "key-123", ec.Record.Key)
	require.Equal(t, []byte("value-123"), ec.Record.Payload)
	require.Equal(t, stream.Position("10"), ec.Record.Position)
}

func TestErrorContext_IncrementAttempt(t *testing.T) {
	t.Parallel()
	ec := errorhandler.NewErrorContext("0", nil)
	require.Equal(t, 1, ec.Attempt)

	ec = ec.IncrementAttempt()
	require.Equal(t, 2, ec.Attempt)

	ec = ec.IncrementAttempt()
	require.Equal(t, 3, ec.Attempt)
}

func TestErrorContext_With(t *testing.T) {
	t.Parallel()
	sampleErr := errors.New("sample error")

	ec := errorhandler.NewErrorContext("0", nil).
		WithError(sampleErr).
		WithAttempt(5).
		WithBatchSize(10).
		WithPhase(errorhandler.PhaseCommit)

	require.Equal(t, sampleErr, ec.Error)
	require.Equal(t, 5, ec.Attempt)
	require.Equal(t, 10, ec.BatchSize)
	require.Equal(t, errorhandler.PhaseCommit, ec.Phase)
}
