package runner

import (
	"errors"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-sonar/errorhandler"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/retry"
	"github.com/hugolhafner/go-sonar/stream"
)

// Config is shared by the supervisor, its partition workers and producer loops
type Config struct {
	Logger     logger.Logger
	Telemetry  *otel.Telemetry
	InstanceID string

	// ErrorHandler decides what happens to a failing batch, per phase handlers
	// take precedence when set
	ErrorHandler        errorhandler.Handler
	PullErrorHandler    errorhandler.Handler
	ProcessErrorHandler errorhandler.Handler
	CommitErrorHandler  errorhandler.Handler

	InitialPosition stream.InitialPosition
	BatchSize       int
	// IdleInterval is how long a worker waits after an empty pull
	IdleInterval time.Duration
	// CallTimeout bounds each transport, lease and checkpoint call
	CallTimeout time.Duration
	// RetryAttempts bounds the local retry of transient pull and commit failures
	RetryAttempts int
	RetryBackoff  retry.Backoff

	LeaseTTL          time.Duration
	RebalanceInterval time.Duration
	MaxWorkers        int
	MaxRestarts       int
	RestartBackoff    retry.Backoff
	ShutdownTimeout   time.Duration

	MaxProducerFailures int
	ProducerBackoff     retry.Backoff
}

func defaultConfig() Config {
	return Config{
		Logger:              logger.NewNoopLogger(),
		Telemetry:           otel.Noop(),
		InitialPosition:     stream.Earliest,
		BatchSize:           100,
		IdleInterval:        time.Second,
		CallTimeout:         10 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        exponential(200*time.Millisecond, 5*time.Second),
		LeaseTTL:            30 * time.Second,
		RebalanceInterval:   10 * time.Second,
		MaxWorkers:          64,
		MaxRestarts:         5,
		RestartBackoff:      exponential(time.Second, 30*time.Second),
		ShutdownTimeout:     30 * time.Second,
		MaxProducerFailures: 10,
		ProducerBackoff:     backoff.NewFixed(time.Second),
	}
}

func (c Config) validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease ttl must be positive"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, errors.New("max workers must be positive"))
	}
	if c.RebalanceInterval <= 0 {
		errs = append(errs, errors.New("rebalance interval must be positive"))
	}
	return errors.Join(errs...)
}

// errorHandler routes failures by phase, defaulting to log and fail on the configured logger
func (c Config) errorHandler() errorhandler.Handler {
	if c.ErrorHandler == nil {
		c.ErrorHandler = errorhandler.LogAndFail(c.Logger)
	}
	return errorhandler.NewPhaseRouter(
		c.ErrorHandler, c.PullErrorHandler, c.ProcessErrorHandler, c.CommitErrorHandler,
	)
}

func exponential(initial, maxInterval time.Duration) backoff.Exponential {
	return backoff.NewExponential(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithJitter(0.2),
	)
}
