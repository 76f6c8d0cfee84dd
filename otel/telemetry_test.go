//go:build unit

package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewTelemetry_WithProviders(t *testing.T) {
	t.Parallel()
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	defer tp.Shutdown(context.Background())
	defer mp.Shutdown(context.Background())

	tel, err := NewTelemetry(tp, mp)
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.RecordsProduced)
	require.NotNil(t, tel.WriteAttempts)
	require.NotNil(t, tel.WriteDuration)
	require.NotNil(t, tel.RecordsProcessed)
	require.NotNil(t, tel.PullDuration)
	require.NotNil(t, tel.BatchDuration)
	require.NotNil(t, tel.CheckpointCommits)
	require.NotNil(t, tel.LeaseEvents)
	require.NotNil(t, tel.Errors)
	require.NotNil(t, tel.ErrorHandlerActions)
	require.NotNil(t, tel.WorkersActive)
	require.NotNil(t, tel.WorkerRestarts)
}

func TestNewTelemetry_NilProviders(t *testing.T) {
	t.Parallel()
	tel, err := NewTelemetry(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
}

func TestNoop(t *testing.T) {
	t.Parallel()
	tel := Noop()
	require.NotNil(t, tel)
	require.NotNil(t, tel.Tracer)
}

func TestTelemetry_RecordsToReader(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	tel, err := NewTelemetry(nil, mp)
	require.NoError(t, err)

	ctx := context.Background()
	tel.RecordsProduced.Add(ctx, 3, metric.WithAttributes(AttrPartition.String("0")))
	tel.LeaseEvents.Add(ctx, 1, metric.WithAttributes(AttrLeaseEvent.String(LeaseAcquired)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	require.True(t, names["sonar.writer.records"])
	require.True(t, names["sonar.lease.events"])
}
