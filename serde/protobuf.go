package serde

import (
	"errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var errNotConcrete = errors.New("serde: protobuf type parameter must be a generated message pointer")

type protoSerde[T proto.Message] struct {
	json bool
}

// Protobuf returns a binary wire format Serde for generated message types
// such as *structpb.Struct
func Protobuf[T proto.Message]() Serde[T] {
	return protoSerde[T]{}
}

// ProtoJSON uses the canonical protobuf JSON mapping instead of the wire format
func ProtoJSON[T proto.Message]() Serde[T] {
	return protoSerde[T]{json: true}
}

func (s protoSerde[T]) Serialise(value T) ([]byte, error) {
	if s.json {
		return protojson.Marshal(value)
	}
	return proto.Marshal(value)
}

func (s protoSerde[T]) Deserialise(data []byte) (T, error) {
	var zero T
	// generated messages answer ProtoReflect on a nil receiver
	result, ok := zero.ProtoReflect().Type().New().Interface().(T)
	if !ok {
		return zero, errNotConcrete
	}

	var err error
	if s.json {
		err = protojson.Unmarshal(data, result)
	} else {
		err = proto.Unmarshal(data, result)
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}
