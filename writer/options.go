package writer

import (
	"time"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/retry"
)

type Option interface {
	apply(*Config)
}

type loggerOption struct {
	logger logger.Logger
}

func (o loggerOption) apply(c *Config) {
	if o.logger != nil {
		c.Logger = o.logger
	}
}

func WithLogger(l logger.Logger) Option {
	return loggerOption{logger: l}
}

type telemetryOption struct {
	telemetry *otel.Telemetry
}

func (o telemetryOption) apply(c *Config) {
	if o.telemetry != nil {
		c.Telemetry = o.telemetry
	}
}

func WithTelemetry(t *otel.Telemetry) Option {
	return telemetryOption{telemetry: t}
}

type partitionerOption struct {
	p Partitioner
}

func (o partitionerOption) apply(c *Config) {
	if o.p != nil {
		c.Partitioner = o.p
	}
}

// WithPartitioner replaces the default xxhash key routing
func WithPartitioner(p Partitioner) Option {
	return partitionerOption{p: p}
}

type retryOption struct {
	maxAttempts int
	backoff     retry.Backoff
}

func (o retryOption) apply(c *Config) {
	if o.maxAttempts > 0 {
		c.MaxAttempts = o.maxAttempts
	}
	if o.backoff != nil {
		c.Backoff = o.backoff
	}
}

// WithRetry sets the attempt limit and backoff used for transient failures
func WithRetry(maxAttempts int, b retry.Backoff) Option {
	return retryOption{maxAttempts: maxAttempts, backoff: b}
}

type callTimeoutOption time.Duration

func (o callTimeoutOption) apply(c *Config) {
	if o > 0 {
		c.CallTimeout = time.Duration(o)
	}
}

func WithCallTimeout(d time.Duration) Option {
	return callTimeoutOption(d)
}

type partitionRefreshOption time.Duration

func (o partitionRefreshOption) apply(c *Config) {
	if o > 0 {
		c.PartitionRefreshInterval = time.Duration(o)
	}
}

func WithPartitionRefreshInterval(d time.Duration) Option {
	return partitionRefreshOption(d)
}

type maxRecordSizeOption int

func (o maxRecordSizeOption) apply(c *Config) {
	if o > 0 {
		c.MaxRecordSize = int(o)
	}
}

// WithMaxRecordSize sets the largest key plus payload size accepted by Send
func WithMaxRecordSize(n int) Option {
	return maxRecordSizeOption(n)
}

type maxKeyLengthOption int

func (o maxKeyLengthOption) apply(c *Config) {
	if o > 0 {
		c.MaxKeyLength = int(o)
	}
}

func WithMaxKeyLength(n int) Option {
	return maxKeyLengthOption(n)
}
