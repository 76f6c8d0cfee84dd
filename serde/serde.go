package serde

import (
	"fmt"

	"github.com/hugolhafner/go-sonar/stream"
)

// Serde converts record payloads to and from typed values
type Serde[T any] interface {
	Serialiser[T]
	Deserialiser[T]
}

type Serialiser[T any] interface {
	Serialise(value T) ([]byte, error)
}

type Deserialiser[T any] interface {
	Deserialise(data []byte) (T, error)
}

// Encode serialises value into a record routed by key
func Encode[T any](s Serialiser[T], key string, value T) (stream.Record, error) {
	payload, err := s.Serialise(value)
	if err != nil {
		return stream.Record{}, fmt.Errorf("encode record %q: %w", key, err)
	}
	return stream.NewRecord(key, payload), nil
}

// Decode deserialises the payload of a delivered record. Failures are
// reported as *DecodeError so callers can tell poison records apart.
func Decode[T any](d Deserialiser[T], r stream.Record) (T, error) {
	value, err := d.Deserialise(r.Payload)
	if err != nil {
		var zero T
		return zero, &DecodeError{Partition: r.Partition, Position: r.Position, Cause: err}
	}
	return value, nil
}

type DecodeError struct {
	Partition stream.PartitionID
	Position  stream.Position
	Cause     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record %s@%s: %v", e.Partition, e.Position, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
