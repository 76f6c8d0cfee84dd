// Command publisher floods a stream from many concurrent producers, each
// keyed by its own name
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/hugolhafner/go-sonar"
	"github.com/hugolhafner/go-sonar/internal/app"
	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/internal/synthetic"
	"github.com/hugolhafner/go-sonar/runner"
	"github.com/hugolhafner/go-sonar/writer"
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

	obs, err := app.StartObservability(ctx, cfg.Metrics, cfg.Health, "sonar.publisher", l)
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

	format, err := synthetic.ParseFormat(cfg.Producer.Format)
	if err != nil {
		return err
	}
	sources, err := synthetic.Sources(
		cfg.Producer.Producers, synthetic.Config{
			PayloadLength: cfg.Producer.PayloadLength,
			Format:        format,
			Interval:      cfg.Producer.Interval,
			Count:         cfg.Producer.Count,
		},
	)
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

	w := writer.New(transport, writer.WithLogger(l), writer.WithTelemetry(obs.Telemetry))
	if err := supervisor.Produce(w, sources...); err != nil {
		return err
	}

	l.Info("Starting publisher", "stream", cfg.Stream.Name, "producers", len(sources))

	obs.SetServing(true)
	return sonar.NewApplication(supervisor, sonar.WithLogger(l)).Run(ctx)
}
