package stream

import (
	"context"
)

// Transport is the boundary to the underlying stream service
type Transport interface {
	Producer
	Consumer

	Close()
}

type Producer interface {
	// ListPartitions returns every partition of the stream, sorted
	ListPartitions(ctx context.Context) ([]PartitionID, error)
	// PutRecord appends the record to the given partition
	PutRecord(ctx context.Context, partition PartitionID, record Record) (Position, error)
}

type Consumer interface {
	ListPartitions(ctx context.Context) ([]PartitionID, error)
	// GetRecords returns at most max records of a partition starting at cursor, in partition order
	GetRecords(ctx context.Context, partition PartitionID, cursor Cursor, max int) ([]Record, error)
}
