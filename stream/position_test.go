//go:build unit

package stream_test

import (
	"testing"

	"github.com/hugolhafner/go-sonar/stream"
	"github.com/stretchr/testify/assert"
)

func TestComparePositions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b stream.Position
		want int
	}{
		{"", "", 0},
		{"", "0", -1},
		{"0", "", 1},
		{"9", "10", -1},
		{"10", "9", 1},
		{"42", "42", 0},
		{"007", "7", 0},
		{
			"49590338271490256608559692538361571095921575989136588898",
			"49590338271490256608559692540925702759324208523137515618",
			-1,
		},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, stream.ComparePositions(tt.a, tt.b), "compare(%q, %q)", tt.a, tt.b)
	}
}

func TestPosition_Offset(t *testing.T) {
	t.Parallel()

	p := stream.OffsetPosition(1234)
	assert.Equal(t, stream.Position("1234"), p)

	off, err := p.Offset()
	assert.NoError(t, err)
	assert.Equal(t, int64(1234), off)

	assert.True(t, stream.Position("").IsZero())
	assert.Equal(t, "<none>", stream.Position("").String())
}

func TestParseInitialPosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want stream.InitialPosition
		ok   bool
	}{
		{"earliest", stream.Earliest, true},
		{"TRIM_HORIZON", stream.Earliest, true},
		{"oldest", stream.Earliest, true},
		{"latest", stream.Latest, true},
		{" Newest ", stream.Latest, true},
		{"middle", stream.Earliest, false},
	}

	for _, tt := range tests {
		got, ok := stream.ParseInitialPosition(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCursor_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "after:5", stream.AfterPosition("5").String())
	assert.Equal(t, "at:5", stream.AtPosition("5").String())
	assert.Equal(t, "latest", stream.FromInitial(stream.Latest).String())
	assert.Equal(t, "earliest", stream.Cursor{}.String())
}

func TestSortPartitions(t *testing.T) {
	t.Parallel()

	partitions := []stream.PartitionID{"10", "2", "1", "shardId-000000000001", "shardId-000000000000"}
	stream.SortPartitions(partitions)

	assert.Equal(
		t, []stream.PartitionID{"1", "2", "10", "shardId-000000000000", "shardId-000000000001"}, partitions,
	)
}

func TestRecord_Copy(t *testing.T) {
	t.Parallel()

	r := stream.NewRecord("k", []byte("payload"))
	c := r.Copy()
	c.Payload[0] = 'P'

	assert.Equal(t, "payload", string(r.Payload))
	assert.Equal(t, 8, r.Size())
}
