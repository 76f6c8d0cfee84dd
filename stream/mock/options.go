package mockstream

import (
	"time"

	"github.com/hugolhafner/go-sonar/stream"
)

// Option is a functional option for configuring a mock Transport.
type Option func(*Transport)

// WithPartitions creates n empty partitions named "0".."n-1".
func WithPartitions(n int) Option {
	return func(t *Transport) {
		for _, id := range PartitionIDs(n) {
			t.addPartition(id)
		}
	}
}

// WithPartitionIDs creates empty partitions with the given ids.
func WithPartitionIDs(ids ...stream.PartitionID) Option {
	return func(t *Transport) {
		for _, id := range ids {
			t.addPartition(id)
		}
	}
}

// WithGetDelay adds an artificial delay to GetRecords calls.
func WithGetDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.getDelay = d
	}
}

// WithPutError configures an error to be returned by all PutRecord calls.
func WithPutError(err error) Option {
	return func(t *Transport) {
		t.putErr = func(stream.PartitionID, stream.Record) error { return err }
	}
}

// WithGetError configures an error to be returned by all GetRecords calls.
func WithGetError(err error) Option {
	return func(t *Transport) {
		t.getErr = func(stream.PartitionID) error { return err }
	}
}
