package builtins

import (
	"context"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/stream"
)

var _ processor.Processor = (*LoggingProcessor)(nil)
var _ processor.Initializer = (*LoggingProcessor)(nil)

// LoggingProcessor logs the partition key and payload of every record
type LoggingProcessor struct {
	logger logger.Logger
	level  logger.LogLevel
}

func NewLoggingProcessor(l logger.Logger, level logger.LogLevel) *LoggingProcessor {
	return &LoggingProcessor{logger: l, level: level}
}

func (p *LoggingProcessor) Init(_ context.Context, partition stream.PartitionID) error {
	p.logger.Info("Initializing record processor", "partition", partition)
	return nil
}

func (p *LoggingProcessor) Process(_ context.Context, r stream.Record) error {
	p.logger.Log(
		p.level,
		"Record received",
		"partition_key", r.Key,
		"payload", string(r.Payload),
		"partition", r.Partition,
		"position", r.Position,
	)
	return nil
}
