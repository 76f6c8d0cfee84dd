package sonar

import (
	"context"
	"errors"
	"sync"

	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/runner"
)

const Version = "v0.1.0" // x-release-please-version

var (
	ErrAlreadyRunning = errors.New("application is already running")
	ErrClosed         = errors.New("application is closed")
)

type Config struct {
	Logger logger.Logger
}

type ConfigOption func(*Config)

func WithLogger(logger logger.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func defaultConfig() Config {
	return Config{
		Logger: logger.NewNoopLogger(),
	}
}

// Application runs a producer/consumer pipeline until its context is
// cancelled or Close is called
type Application struct {
	runner runner.Runner
	config Config
	logger logger.Logger

	mu        sync.Mutex
	running   bool
	closeOnce sync.Once
	closedCh  chan struct{}
}

func NewApplication(r runner.Runner, opts ...ConfigOption) *Application {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &Application{
		runner:   r,
		config:   config,
		logger:   config.Logger.With("component", "application", "version", Version),
		closedCh: make(chan struct{}),
	}
}

func (a *Application) Run(ctx context.Context) error {
	if err := a.startRunning(); err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-a.closedCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	a.logger.Info("Application started")
	err := a.runner.Run(runCtx)
	a.logger.Info("Application stopped", "error", err)
	return err
}

// Close stops a running application, its runner drains in-flight batches
// before Run returns
func (a *Application) Close() {
	a.closeOnce.Do(
		func() {
			a.mu.Lock()
			defer a.mu.Unlock()

			a.running = false
			close(a.closedCh)
		},
	)
}

func (a *Application) startRunning() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}

	select {
	case <-a.closedCh:
		return ErrClosed
	default:
	}

	a.running = true
	return nil
}
