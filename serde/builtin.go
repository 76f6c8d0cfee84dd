package serde

import (
	"bytes"
	"encoding/json"
)

var (
	_ Serde[[]byte] = rawSerde{}
	_ Serde[string] = stringSerde{}
)

type rawSerde struct{}

// Bytes passes payloads through untouched
func Bytes() Serde[[]byte] {
	return rawSerde{}
}

func (rawSerde) Serialise(value []byte) ([]byte, error) { return value, nil }

func (rawSerde) Deserialise(data []byte) ([]byte, error) { return data, nil }

type stringSerde struct{}

func String() Serde[string] {
	return stringSerde{}
}

func (stringSerde) Serialise(value string) ([]byte, error) { return []byte(value), nil }

func (stringSerde) Deserialise(data []byte) (string, error) { return string(data), nil }

type jsonSerde[T any] struct {
	strict bool
}

// JSON encodes values with encoding/json
func JSON[T any]() Serde[T] {
	return jsonSerde[T]{}
}

// StrictJSON is JSON but refuses payloads carrying fields T does not declare
func StrictJSON[T any]() Serde[T] {
	return jsonSerde[T]{strict: true}
}

func (s jsonSerde[T]) Serialise(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (s jsonSerde[T]) Deserialise(data []byte) (T, error) {
	var result T
	if !s.strict {
		err := json.Unmarshal(data, &result)
		return result, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(&result)
	return result, err
}
