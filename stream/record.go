package stream

import (
	"slices"
	"strings"
	"time"
)

// PartitionID identifies an ordered, independently consumable subdivision of a stream
type PartitionID string

func (p PartitionID) String() string {
	return string(p)
}

// Record is a single stream entry. Key, Payload and SequenceHint are set by the
// producer, the remaining fields are filled in by the transport on delivery.
type Record struct {
	Key          string
	Payload      []byte
	SequenceHint string

	Partition PartitionID
	Position  Position
	Timestamp time.Time
}

// NewRecord creates a record ready to be handed to a writer
func NewRecord(key string, payload []byte) Record {
	return Record{
		Key:     key,
		Payload: payload,
	}
}

// Size is the number of bytes counted against transport record limits
func (r Record) Size() int {
	return len(r.Key) + len(r.Payload)
}

func (r Record) Copy() Record {
	payloadCopy := make([]byte, len(r.Payload))
	copy(payloadCopy, r.Payload)

	return Record{
		Key:          r.Key,
		Payload:      payloadCopy,
		SequenceHint: r.SequenceHint,
		Partition:    r.Partition,
		Position:     r.Position,
		Timestamp:    r.Timestamp,
	}
}

// SortPartitions orders partition ids numerically when they are numbers and
// lexically otherwise, giving every producer the same routing table
func SortPartitions(partitions []PartitionID) {
	slices.SortFunc(
		partitions, func(a, b PartitionID) int {
			if len(a) != len(b) {
				return len(a) - len(b)
			}
			return strings.Compare(string(a), string(b))
		},
	)
}
