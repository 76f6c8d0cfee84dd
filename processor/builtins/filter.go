package builtins

import (
	"context"

	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/stream"
)

var _ processor.Processor = (*FilterProcessor)(nil)

type PredicateFunc func(ctx context.Context, record stream.Record) (bool, error)

// FilterProcessor forwards only the records matching a predicate. Dropped
// records still count as processed and are checkpointed with their batch.
type FilterProcessor struct {
	predicate PredicateFunc
	next      processor.Processor
}

func NewFilterProcessor(predicate PredicateFunc, next processor.Processor) *FilterProcessor {
	return &FilterProcessor{predicate: predicate, next: next}
}

func (p *FilterProcessor) Process(ctx context.Context, r stream.Record) error {
	ok, err := p.predicate(ctx, r)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return p.next.Process(ctx, r)
}
