package runner

import (
	"errors"
	"fmt"

	"github.com/hugolhafner/go-sonar/stream"
)

var (
	// ErrLeaseLost is returned by a worker whose lease was taken over or expired
	ErrLeaseLost = errors.New("lease lost")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("supervisor already running")
	// ErrSourceDone tells a producer loop its source has no more records
	ErrSourceDone = errors.New("source exhausted")
)

// ProcessError wraps an application error raised for a record
type ProcessError struct {
	Partition stream.PartitionID
	Position  stream.Position
	Cause     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process record %s@%s: %v", e.Partition, e.Position, e.Cause)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

func AsProcessError(err error) (*ProcessError, bool) {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// FatalError is returned by Run once a partition worker faulted more often
// than allowed, or a producer failed too many times in a row
type FatalError struct {
	Partition stream.PartitionID
	Producer  string
	Restarts  int
	Cause     error
}

func (e *FatalError) Error() string {
	if e.Producer != "" {
		return fmt.Sprintf("producer %s failed %d consecutive times: %v", e.Producer, e.Restarts, e.Cause)
	}
	return fmt.Sprintf("partition %s faulted after %d restarts: %v", e.Partition, e.Restarts, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

func AsFatalError(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
