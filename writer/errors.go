package writer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed Send
type ErrorKind int

const (
	// KindRejected means the record can never be written as is
	KindRejected ErrorKind = iota
	// KindExhausted means every retry attempt failed with a transient error
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyKey     = errors.New("record key must not be empty")
	ErrKeyTooLong   = errors.New("record key too long")
	ErrTooLarge     = errors.New("record exceeds maximum size")
	ErrNoPartitions = errors.New("stream has no partitions")
)

// WriteError is returned by Send when a record could not be written
type WriteError struct {
	Kind     ErrorKind
	Key      string
	Attempts int
	Cause    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s record %q after %d attempt(s): %v", e.Kind, e.Key, e.Attempts, e.Cause)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}

// AsWriteError extracts a WriteError from an error chain if present
func AsWriteError(err error) (*WriteError, bool) {
	var we *WriteError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// IsRejected reports whether err is a WriteError of KindRejected
func IsRejected(err error) bool {
	we, ok := AsWriteError(err)
	return ok && we.Kind == KindRejected
}

// IsExhausted reports whether err is a WriteError of KindExhausted
func IsExhausted(err error) bool {
	we, ok := AsWriteError(err)
	return ok && we.Kind == KindExhausted
}
