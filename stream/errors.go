package stream

import (
	"context"
	"errors"
)

var (
	ErrThrottled         = errors.New("throughput exceeded")
	ErrRecordTooLarge    = errors.New("record too large")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrClosed            = errors.New("transport closed")
)

// TransientError wraps failures that may succeed when retried (throttling, timeouts)
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Cause.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

func NewTransientError(cause error) error {
	return &TransientError{Cause: cause}
}

// PermanentError wraps failures that will never succeed for the same input
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Cause.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

func NewPermanentError(cause error) error {
	return &PermanentError{Cause: cause}
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is worth retrying. Unclassified errors and
// per-call deadlines count as transient, explicit permanent errors and
// cancellation do not.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	return true
}
