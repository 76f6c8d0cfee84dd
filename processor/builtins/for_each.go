package builtins

import (
	"context"

	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/serde"
	"github.com/hugolhafner/go-sonar/stream"
)

var _ processor.Processor = (*ForEachProcessor[any])(nil)

// ForEachFunc receives the partition key and the decoded payload of a record
type ForEachFunc[V any] func(ctx context.Context, key string, value V) error

// ForEachProcessor decodes every payload and hands it to an action
type ForEachProcessor[V any] struct {
	decoder serde.Deserialiser[V]
	action  ForEachFunc[V]
}

func NewForEachProcessor[V any](decoder serde.Deserialiser[V], action ForEachFunc[V]) *ForEachProcessor[V] {
	return &ForEachProcessor[V]{decoder: decoder, action: action}
}

func (p *ForEachProcessor[V]) Process(ctx context.Context, r stream.Record) error {
	value, err := serde.Decode(p.decoder, r)
	if err != nil {
		return err
	}

	return p.action(ctx, r.Key, value)
}
