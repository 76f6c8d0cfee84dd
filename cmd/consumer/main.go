// Command consumer processes every partition of a stream with at-least-once
// checkpointed delivery, logging each record
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/hugolhafner/go-sonar"
	"github.com/hugolhafner/go-sonar/internal/app"
	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/internal/synthetic"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/processor"
	"github.com/hugolhafner/go-sonar/processor/builtins"
	"github.com/hugolhafner/go-sonar/runner"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	l, sync, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer sync()

	// released in reverse order of acquisition
	var closers []func() error
	defer func() {
		slices.Reverse(closers)
		if err := app.CloseAll(closers...); err != nil {
			l.Warn("Failed to release resources", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	obs, err := app.StartObservability(ctx, cfg.Metrics, cfg.Health, "sonar.consumer", l)
	if err != nil {
		return err
	}
	closers = append(
		closers, func() error {
			obs.Stop(context.Background())
			return nil
		},
	)

	transport, err := app.NewTransport(ctx, cfg.Stream, l)
	if err != nil {
		return err
	}
	closers = append(
		closers, func() error {
			transport.Close()
			return nil
		},
	)

	stores, err := app.NewStores(ctx, cfg.Store, l)
	if err != nil {
		return err
	}
	closers = append(closers, stores.Close)

	proc, err := newProcessor(cfg.Consumer.Format, l)
	if err != nil {
		return err
	}

	opts, err := app.SupervisorOptions(cfg, l, obs.Telemetry)
	if err != nil {
		return err
	}
	supervisor, err := runner.NewSupervisor(opts...)
	if err != nil {
		return err
	}

	err = supervisor.Consume(
		runner.Consumption{
			Consumer:    transport,
			Leases:      stores.Leases,
			Checkpoints: stores.Checkpoints,
			Processor:   processor.Shared(proc),
		},
	)
	if err != nil {
		return err
	}

	l.Info(
		"Starting consumer",
		"application", cfg.Application,
		"stream", cfg.Stream.Name,
		"instance_id", supervisor.InstanceID(),
	)

	obs.SetServing(true)
	return sonar.NewApplication(supervisor, sonar.WithLogger(l)).Run(ctx)
}

// newProcessor logs raw records as they arrive, structured payloads are
// decoded first
func newProcessor(format string, l logger.Logger) (processor.Processor, error) {
	f, err := synthetic.ParseFormat(format)
	if err != nil {
		return nil, err
	}

	if f == synthetic.FormatRaw {
		return builtins.NewLoggingProcessor(l, logger.InfoLevel), nil
	}

	decoder, err := synthetic.Decoder(f)
	if err != nil {
		return nil, err
	}

	return builtins.NewForEachProcessor(
		decoder, func(_ context.Context, key string, m synthetic.Message) error {
			l.Info(
				"Message received",
				"partition_key", key,
				"producer", m.Producer,
				"sequence", m.Sequence,
				"body", m.Body,
				"latency", time.Since(m.CreatedAt),
			)
			return nil
		},
	), nil
}
