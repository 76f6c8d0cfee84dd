package builtins

import (
	"context"

	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/stream"
)

var _ processor.Processor = (*ChainProcessor)(nil)

// ChainProcessor runs processors one after another, stopping at the first error
type ChainProcessor struct {
	processors []processor.Processor
}

func NewChainProcessor(processors ...processor.Processor) *ChainProcessor {
	return &ChainProcessor{processors: processors}
}

func (p *ChainProcessor) Process(ctx context.Context, r stream.Record) error {
	for _, next := range p.processors {
		if err := next.Process(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
