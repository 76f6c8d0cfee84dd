package app

import (
	"context"

	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/internal/health"
	"github.com/hugolhafner/go-sonar/internal/metrics"
	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"golang.org/x/sync/errgroup"
)

// Observability runs the optional metrics and health servers of a binary
type Observability struct {
	Telemetry *sonarotel.Telemetry

	exporter *metrics.Exporter
	health   *health.Server
	group    *errgroup.Group
	cancel   context.CancelFunc
	logger   logger.Logger
}

func StartObservability(
	ctx context.Context, mc config.MetricsConfig, hc config.HealthConfig, service string, l logger.Logger,
) (*Observability, error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	o := &Observability{
		Telemetry: sonarotel.Noop(),
		group:     g,
		cancel:    cancel,
		logger:    l,
	}

	if mc.Enabled {
		exporter, err := metrics.New()
		if err != nil {
			cancel()
			return nil, err
		}
		tel, err := exporter.Telemetry()
		if err != nil {
			cancel()
			return nil, err
		}

		o.exporter = exporter
		o.Telemetry = tel
		g.Go(func() error { return exporter.Serve(gctx, mc.Addr, l) })
	}

	if hc.Enabled {
		srv, err := health.Listen(hc.Addr, service, l)
		if err != nil {
			cancel()
			return nil, err
		}

		o.health = srv
		g.Go(srv.Serve)
		g.Go(
			func() error {
				<-gctx.Done()
				srv.Stop()
				return nil
			},
		)
	}

	return o, nil
}

func (o *Observability) SetServing(serving bool) {
	if o.health != nil {
		o.health.SetServing(serving)
	}
}

// Stop shuts both servers down and flushes the meter provider
func (o *Observability) Stop(ctx context.Context) {
	o.SetServing(false)
	o.cancel()

	if err := o.group.Wait(); err != nil {
		o.logger.Warn("Observability server failed", "error", err)
	}
	if o.exporter != nil {
		if err := o.exporter.Shutdown(ctx); err != nil {
			o.logger.Warn("Failed to shut down meter provider", "error", err)
		}
	}
}
