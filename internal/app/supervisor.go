package app

import (
	"fmt"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/runner"
	"github.com/hugolhafner/go-sonar/stream"
)

// SupervisorOptions translates the consumer and producer sections into runner options
func SupervisorOptions(cfg config.Config, l logger.Logger, tel *sonarotel.Telemetry) ([]runner.Option, error) {
	initial, ok := stream.ParseInitialPosition(cfg.Consumer.InitialPosition)
	if !ok {
		return nil, fmt.Errorf("unknown consumer.initial_position %q", cfg.Consumer.InitialPosition)
	}

	c := cfg.Consumer
	return []runner.Option{
		runner.WithLogger(l),
		runner.WithTelemetry(tel),
		runner.WithInitialPosition(initial),
		runner.WithBatchSize(c.BatchSize),
		runner.WithMaxWorkers(c.MaxWorkers),
		runner.WithLeaseTTL(c.LeaseTTL),
		runner.WithRebalanceInterval(c.RebalanceInterval),
		runner.WithIdleInterval(c.IdleInterval),
		runner.WithRetry(c.RetryAttempts, exponential(200*time.Millisecond, 5*time.Second)),
		runner.WithRestarts(c.MaxRestarts, exponential(time.Second, 30*time.Second)),
		runner.WithShutdownTimeout(c.ShutdownTimeout),
		runner.WithProducerFailures(cfg.Producer.MaxFailures, exponential(time.Second, 30*time.Second)),
	}, nil
}

func exponential(initial, maxInterval time.Duration) backoff.Exponential {
	return backoff.NewExponential(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithJitter(0.2),
	)
}
