package writer

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/retry"
)

type Config struct {
	Logger      logger.Logger
	Telemetry   *otel.Telemetry
	Partitioner Partitioner

	// MaxAttempts bounds PutRecord calls per Send, including the first
	MaxAttempts int
	Backoff     retry.Backoff
	// CallTimeout bounds every single PutRecord call
	CallTimeout time.Duration
	// PartitionRefreshInterval is how long the partition list is cached
	PartitionRefreshInterval time.Duration

	MaxKeyLength  int
	MaxRecordSize int
}

func defaultConfig() Config {
	return Config{
		Logger:                   logger.NewNoopLogger(),
		Telemetry:                otel.Noop(),
		Partitioner:              HashPartitioner{},
		MaxAttempts:              5,
		Backoff:                  exponential(100*time.Millisecond, 5*time.Second),
		CallTimeout:              10 * time.Second,
		PartitionRefreshInterval: time.Minute,
		MaxKeyLength:             256,
		MaxRecordSize:            1 << 20,
	}
}

func exponential(initial, maxInterval time.Duration) backoff.Exponential {
	return backoff.NewExponential(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithJitter(0.2),
	)
}
