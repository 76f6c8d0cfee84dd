package processor

import (
	"context"

	"github.com/hugolhafner/go-sonar/stream"
)

// Processor is the application callback invoked for every record of a batch,
// in partition order. A record may be delivered more than once, so Process
// must be idempotent.
type Processor interface {
	Process(ctx context.Context, record stream.Record) error
}

// Func adapts a plain function to a Processor
type Func func(ctx context.Context, record stream.Record) error

func (f Func) Process(ctx context.Context, record stream.Record) error {
	return f(ctx, record)
}

// Initializer is implemented by processors that need to prepare before the
// first batch of a partition is delivered
type Initializer interface {
	Init(ctx context.Context, partition stream.PartitionID) error
}

// Closer is implemented by processors holding resources per partition. Close
// is called once the worker that owned the processor terminates.
type Closer interface {
	Close() error
}

// Supplier creates the processor for one partition. It is called every time a
// worker (re)starts, so state never leaks across restarts.
type Supplier func(partition stream.PartitionID) Processor

// Shared returns a supplier handing the same processor to every partition
func Shared(p Processor) Supplier {
	return func(stream.PartitionID) Processor {
		return p
	}
}
