package runner

import (
	"context"
	"errors"

	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
	"go.opentelemetry.io/otel/metric"
)

// Sender writes a record to the stream, *writer.Writer implements it
type Sender interface {
	Send(ctx context.Context, record stream.Record) (stream.Position, error)
}

// Source yields the records of one producer loop. Next returns ErrSourceDone
// once the source has nothing more to send.
type Source interface {
	Name() string
	Next(ctx context.Context) (stream.Record, error)
}

// producerLoop sends records from a source until the context ends. Failures
// are retried after a backoff, too many in a row stop the loop.
type producerLoop struct {
	name      string
	source    Source
	sender    Sender
	config    Config
	logger    logger.Logger
	telemetry *sonarotel.Telemetry
}

func newProducerLoop(source Source, sender Sender, config Config) *producerLoop {
	return &producerLoop{
		name:      source.Name(),
		source:    source,
		sender:    sender,
		config:    config,
		logger:    config.Logger.With("component", "producer", "producer", source.Name()),
		telemetry: config.Telemetry,
	}
}

func (p *producerLoop) run(ctx context.Context) error {
	p.logger.Info("Producer started")
	defer p.logger.Info("Producer stopped")

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		record, err := p.source.Next(ctx)
		if errors.Is(err, ErrSourceDone) {
			return nil
		}

		if err == nil {
			var pos stream.Position
			pos, err = p.sender.Send(ctx, record)
			if err == nil {
				p.logger.Debug("Record sent", "key", record.Key, "position", pos)
			}
		}

		if err == nil {
			failures = 0
			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		failures++
		p.telemetry.Errors.Add(ctx, 1, metric.WithAttributes(sonarotel.AttrErrorPhase.String("produce")))
		p.logger.Warn("Producer failed to send record", "failures", failures, "error", err)

		if failures > p.config.MaxProducerFailures {
			p.logger.Error("Producer exceeded consecutive failure limit", "max_failures", p.config.MaxProducerFailures)
			return &FatalError{Producer: p.name, Restarts: failures, Cause: err}
		}

		if err := retry.Sleep(ctx, p.config.ProducerBackoff, uint(failures)); err != nil {
			return nil
		}
	}
}
