package mockstream

import (
	"testing"

	"github.com/hugolhafner/go-sonar/stream"
	"github.com/stretchr/testify/require"
)

// AssertRecordCount verifies that a partition holds exactly n records.
func (t *Transport) AssertRecordCount(tb testing.TB, partition stream.PartitionID, expected int) {
	tb.Helper()

	actual := len(t.Records(partition))
	require.Equal(tb, expected, actual, "expected %d records in partition %s, got %d", expected, partition, actual)
}

// AssertTotalRecordCount verifies the number of records across all partitions.
func (t *Transport) AssertTotalRecordCount(tb testing.TB, expected int) {
	tb.Helper()

	actual := len(t.AllRecords())
	require.Equal(tb, expected, actual, "expected %d records in total, got %d", expected, actual)
}

// AssertPublished verifies that a record with the given key and payload exists in any partition.
func (t *Transport) AssertPublished(tb testing.TB, key, payload string) {
	tb.Helper()

	for _, r := range t.AllRecords() {
		if r.Key == key && string(r.Payload) == payload {
			return
		}
	}

	tb.Errorf("expected record with key=%q payload=%q to be published, but it was not found", key, payload)
}

// AssertKeyInSinglePartition verifies that every record with key landed in the same partition.
func (t *Transport) AssertKeyInSinglePartition(tb testing.TB, key string) stream.PartitionID {
	tb.Helper()

	var found stream.PartitionID
	for _, r := range t.AllRecords() {
		if r.Key != key {
			continue
		}
		if found == "" {
			found = r.Partition
			continue
		}
		if r.Partition != found {
			tb.Errorf("expected key %q in a single partition, found in %s and %s", key, found, r.Partition)
			return found
		}
	}

	if found == "" {
		tb.Errorf("expected records with key %q, found none", key)
	}
	return found
}
