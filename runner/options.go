package runner

import (
	"time"

	"github.com/hugolhafner/go-sonar/errorhandler"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
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

type instanceIDOption string

func (o instanceIDOption) apply(c *Config) {
	c.InstanceID = string(o)
}

// WithInstanceID sets the owner name written into leases, a random id is used otherwise
func WithInstanceID(id string) Option {
	return instanceIDOption(id)
}

type errorHandlerOption struct {
	handler errorhandler.Handler
}

func (o errorHandlerOption) apply(c *Config) {
	c.ErrorHandler = o.handler
}

// WithErrorHandler sets the default handler for failing batches
func WithErrorHandler(h errorhandler.Handler) Option {
	return errorHandlerOption{handler: h}
}

type phaseHandlerOption struct {
	phase   errorhandler.ErrorPhase
	handler errorhandler.Handler
}

func (o phaseHandlerOption) apply(c *Config) {
	switch o.phase {
	case errorhandler.PhasePull:
		c.PullErrorHandler = o.handler
	case errorhandler.PhaseProcess:
		c.ProcessErrorHandler = o.handler
	case errorhandler.PhaseCommit:
		c.CommitErrorHandler = o.handler
	default:
	}
}

// WithPhaseErrorHandler overrides the handler for one phase of the batch cycle
func WithPhaseErrorHandler(phase errorhandler.ErrorPhase, h errorhandler.Handler) Option {
	return phaseHandlerOption{phase: phase, handler: h}
}

type initialPositionOption stream.InitialPosition

func (o initialPositionOption) apply(c *Config) {
	c.InitialPosition = stream.InitialPosition(o)
}

// WithInitialPosition selects where partitions without a checkpoint start
func WithInitialPosition(p stream.InitialPosition) Option {
	return initialPositionOption(p)
}

type batchSizeOption int

func (o batchSizeOption) apply(c *Config) {
	c.BatchSize = int(o)
}

// WithBatchSize sets how many records are processed and committed as one
// unit, it must be positive
func WithBatchSize(n int) Option {
	return batchSizeOption(n)
}

type idleIntervalOption time.Duration

func (o idleIntervalOption) apply(c *Config) {
	if o > 0 {
		c.IdleInterval = time.Duration(o)
	}
}

// WithIdleInterval sets how long a worker waits after an empty pull
func WithIdleInterval(d time.Duration) Option {
	return idleIntervalOption(d)
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

type retryOption struct {
	attempts int
	b        retry.Backoff
}

func (o retryOption) apply(c *Config) {
	if o.attempts > 0 {
		c.RetryAttempts = o.attempts
	}
	if o.b != nil {
		c.RetryBackoff = o.b
	}
}

// WithRetry bounds the local retry of transient pull and commit failures
func WithRetry(attempts int, b retry.Backoff) Option {
	return retryOption{attempts: attempts, b: b}
}

type leaseTTLOption time.Duration

func (o leaseTTLOption) apply(c *Config) {
	c.LeaseTTL = time.Duration(o)
}

// WithLeaseTTL sets the lease ttl, leases are renewed every third of it
func WithLeaseTTL(d time.Duration) Option {
	return leaseTTLOption(d)
}

type rebalanceIntervalOption time.Duration

func (o rebalanceIntervalOption) apply(c *Config) {
	c.RebalanceInterval = time.Duration(o)
}

// WithRebalanceInterval sets how often partitions are re-discovered
func WithRebalanceInterval(d time.Duration) Option {
	return rebalanceIntervalOption(d)
}

type maxWorkersOption int

func (o maxWorkersOption) apply(c *Config) {
	c.MaxWorkers = int(o)
}

// WithMaxWorkers bounds the number of partitions processed concurrently by this instance
func WithMaxWorkers(n int) Option {
	return maxWorkersOption(n)
}

type restartOption struct {
	max int
	b   retry.Backoff
}

func (o restartOption) apply(c *Config) {
	if o.max >= 0 {
		c.MaxRestarts = o.max
	}
	if o.b != nil {
		c.RestartBackoff = o.b
	}
}

// WithRestarts sets how many consecutive faults of a partition are tolerated
// and the backoff between restarts
func WithRestarts(max int, b retry.Backoff) Option {
	return restartOption{max: max, b: b}
}

type shutdownTimeoutOption time.Duration

func (o shutdownTimeoutOption) apply(c *Config) {
	if o > 0 {
		c.ShutdownTimeout = time.Duration(o)
	}
}

// WithShutdownTimeout sets how long shutdown waits for workers to terminate
func WithShutdownTimeout(d time.Duration) Option {
	return shutdownTimeoutOption(d)
}

type producerFailuresOption struct {
	max int
	b   retry.Backoff
}

func (o producerFailuresOption) apply(c *Config) {
	if o.max >= 0 {
		c.MaxProducerFailures = o.max
	}
	if o.b != nil {
		c.ProducerBackoff = o.b
	}
}

// WithProducerFailures sets how many consecutive send failures a producer
// loop tolerates before the supervisor fails
func WithProducerFailures(max int, b retry.Backoff) Option {
	return producerFailuresOption{max: max, b: b}
}
