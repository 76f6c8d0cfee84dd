package runner

import (
	"github.com/hugolhafner/go-sonar/stream"
)

// WorkerStatus is the lifecycle state of a partition worker
type WorkerStatus int32

const (
	StatusInitializing WorkerStatus = iota
	StatusProcessing
	StatusShuttingDown
	StatusFaulted
	StatusTerminated
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusProcessing:
		return "processing"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusFaulted:
		return "faulted"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerHandle is a point in time view of one partition worker
type WorkerHandle struct {
	ID        string
	Partition stream.PartitionID
	Owner     string
	Status    WorkerStatus
	// Checkpoint is the last position the worker loaded or committed
	Checkpoint stream.Position
	// Restarts counts consecutive faults of the partition on this instance
	Restarts int
}
