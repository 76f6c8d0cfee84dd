package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/go-sonar"

// Telemetry holds all OpenTelemetry instruments for the go-sonar library
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer trace.Tracer

	// Writer metrics
	RecordsProduced metric.Int64Counter
	WriteAttempts   metric.Int64Counter
	WriteDuration   metric.Float64Histogram

	// Consumer metrics
	RecordsProcessed metric.Int64Counter
	PullDuration     metric.Float64Histogram
	BatchDuration    metric.Float64Histogram

	// Coordination metrics
	CheckpointCommits metric.Int64Counter
	LeaseEvents       metric.Int64Counter

	// Error metrics
	Errors              metric.Int64Counter
	ErrorHandlerActions metric.Int64Counter

	// Supervisor state metrics
	WorkersActive  metric.Int64UpDownCounter
	WorkerRestarts metric.Int64Counter
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	meter := mp.Meter(scopeName)
	t := &Telemetry{Tracer: tp.Tracer(scopeName)}

	var err error
	if t.RecordsProduced, err = meter.Int64Counter(
		"sonar.writer.records",
		metric.WithDescription("Records written to the stream"),
	); err != nil {
		return nil, err
	}

	if t.WriteAttempts, err = meter.Int64Counter(
		"sonar.writer.attempts",
		metric.WithDescription("Transport put attempts including retries"),
	); err != nil {
		return nil, err
	}

	if t.WriteDuration, err = meter.Float64Histogram(
		"sonar.writer.duration",
		metric.WithDescription("Time per Send() call including retries"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if t.RecordsProcessed, err = meter.Int64Counter(
		"sonar.consumer.records",
		metric.WithDescription("Records handed to the processor"),
	); err != nil {
		return nil, err
	}

	if t.PullDuration, err = meter.Float64Histogram(
		"sonar.consumer.pull.duration",
		metric.WithDescription("Time per GetRecords() call"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if t.BatchDuration, err = meter.Float64Histogram(
		"sonar.consumer.batch.duration",
		metric.WithDescription("Time to process and checkpoint one batch"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if t.CheckpointCommits, err = meter.Int64Counter(
		"sonar.checkpoint.commits",
		metric.WithDescription("Checkpoint commit attempts by outcome"),
	); err != nil {
		return nil, err
	}

	if t.LeaseEvents, err = meter.Int64Counter(
		"sonar.lease.events",
		metric.WithDescription("Lease acquisitions, renewals, releases and losses"),
	); err != nil {
		return nil, err
	}

	if t.Errors, err = meter.Int64Counter(
		"sonar.errors",
		metric.WithDescription("Errors encountered"),
	); err != nil {
		return nil, err
	}

	if t.ErrorHandlerActions, err = meter.Int64Counter(
		"sonar.error_handler.actions",
		metric.WithDescription("Error handler decisions"),
	); err != nil {
		return nil, err
	}

	if t.WorkersActive, err = meter.Int64UpDownCounter(
		"sonar.workers.active",
		metric.WithDescription("Partition workers currently running"),
	); err != nil {
		return nil, err
	}

	if t.WorkerRestarts, err = meter.Int64Counter(
		"sonar.workers.restarts",
		metric.WithDescription("Partition workers restarted after a fault"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

// Noop returns a Telemetry instance with all noop instruments
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil)
	return t
}
