package errorhandler

import (
	"github.com/hugolhafner/go-sonar/stream"
)

// ErrorContext provides context about an error that occurred while a worker
// handled a batch. It contains all the information a handler needs to make a
// decision about how to handle the error.
type ErrorContext struct {
	// Partition the failing batch was read from.
	Partition stream.PartitionID

	// Record is the record the processor failed on.
	// zero value for pull and commit failures.
	Record stream.Record

	// BatchSize is the number of records in the failing batch.
	BatchSize int

	// Error is the error that occurred.
	Error error

	// Attempt is current attempt number for the batch, 1 indexed.
	Attempt int

	// Phase indicates where in the batch cycle the error occurred
	Phase ErrorPhase
}

func NewErrorContext(partition stream.PartitionID, err error) ErrorContext {
	return ErrorContext{
		Partition: partition,
		Error:     err,
		Attempt:   1,
	}
}

func (ec ErrorContext) WithRecord(record stream.Record) ErrorContext {
	ec.Record = record.Copy()
	return ec
}

func (ec ErrorContext) WithBatchSize(n int) ErrorContext {
	ec.BatchSize = n
	return ec
}

func (ec ErrorContext) WithError(err error) ErrorContext {
	ec.Error = err
	return ec
}

func (ec ErrorContext) WithAttempt(attempt int) ErrorContext {
	ec.Attempt = attempt
	return ec
}

func (ec ErrorContext) WithPhase(phase ErrorPhase) ErrorContext {
	ec.Phase = phase
	return ec
}

func (ec ErrorContext) IncrementAttempt() ErrorContext {
	ec.Attempt++
	return ec
}
