// Package metrics exposes otel instruments on a Prometheus /metrics endpoint
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Exporter struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
}

// New builds a meter provider backed by a dedicated Prometheus registry,
// which also carries the Go runtime and process collectors
func New() (*Exporter, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	return &Exporter{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
		registry: registry,
	}, nil
}

func (e *Exporter) MeterProvider() *sdkmetric.MeterProvider {
	return e.provider
}

// Telemetry returns sonar instruments recording into this exporter
func (e *Exporter) Telemetry() (*sonarotel.Telemetry, error) {
	return sonarotel.NewTelemetry(nil, e.provider)
}

// Handler serves /metrics and a plain /healthz
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry}))
	mux.HandleFunc(
		"/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		},
	)
	return mux
}

// Serve listens on addr until ctx is done
func (e *Exporter) Serve(ctx context.Context, addr string, l logger.Logger) error {
	srv := &http.Server{Addr: addr, Handler: e.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
