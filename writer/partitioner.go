package writer

import (
	"github.com/cespare/xxhash/v2"
	"github.com/hugolhafner/go-sonar/stream"
)

// Partitioner maps a record key onto one of the stream partitions. The
// partitions slice is sorted and non-empty.
type Partitioner interface {
	Partition(key string, partitions []stream.PartitionID) stream.PartitionID
}

type PartitionerFunc func(key string, partitions []stream.PartitionID) stream.PartitionID

func (f PartitionerFunc) Partition(key string, partitions []stream.PartitionID) stream.PartitionID {
	return f(key, partitions)
}

// HashPartitioner routes by xxhash of the key modulo the partition count,
// so equal keys land on the same partition while the partition set is stable
type HashPartitioner struct{}

func (HashPartitioner) Partition(key string, partitions []stream.PartitionID) stream.PartitionID {
	h := xxhash.Sum64String(key)
	return partitions[h%uint64(len(partitions))]
}
