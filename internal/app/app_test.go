//go:build unit

package app

import (
	"context"
	"testing"

	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/lease"
	"github.com/hugolhafner/go-sonar/logger"
	sonarotel "github.com/hugolhafner/go-sonar/otel"
	"github.com/hugolhafner/go-sonar/runner"
	mockstream "github.com/hugolhafner/go-sonar/stream/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport_Mock(t *testing.T) {
	t.Parallel()
	tr, err := NewTransport(
		context.Background(), config.StreamConfig{Driver: "mock", Partitions: 3}, logger.NewNoopLogger(),
	)
	require.NoError(t, err)
	defer tr.Close()

	require.IsType(t, &mockstream.Transport{}, tr)
	partitions, err := tr.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Len(t, partitions, 3)
}

func TestNewTransport_UnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := NewTransport(context.Background(), config.StreamConfig{Driver: "pulsar"}, logger.NewNoopLogger())
	require.ErrorContains(t, err, "unknown stream driver")
}

func TestNewStores_Memory(t *testing.T) {
	t.Parallel()
	stores, err := NewStores(context.Background(), config.StoreConfig{Driver: "memory"}, logger.NewNoopLogger())
	require.NoError(t, err)

	assert.IsType(t, &lease.MemoryTable{}, stores.Leases)
	assert.IsType(t, &checkpoint.MemoryStore{}, stores.Checkpoints)
	assert.NoError(t, stores.Close())

	_, err = NewStores(context.Background(), config.StoreConfig{Driver: "redis"}, logger.NewNoopLogger())
	require.Error(t, err)
}

func TestSupervisorOptions(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("")
	require.NoError(t, err)

	opts, err := SupervisorOptions(cfg, logger.NewNoopLogger(), sonarotel.Noop())
	require.NoError(t, err)

	s, err := runner.NewSupervisor(opts...)
	require.NoError(t, err)
	assert.NotEmpty(t, s.InstanceID())

	cfg.Consumer.InitialPosition = "somewhere"
	_, err = SupervisorOptions(cfg, logger.NewNoopLogger(), sonarotel.Noop())
	require.Error(t, err)
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	calls := 0
	closer := func() error {
		calls++
		return nil
	}
	failing := func() error { return assert.AnError }

	err := CloseAll(closer, failing, closer)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)
}

func TestStartObservability_Disabled(t *testing.T) {
	t.Parallel()
	o, err := StartObservability(
		context.Background(), config.MetricsConfig{}, config.HealthConfig{}, "sonar", logger.NewNoopLogger(),
	)
	require.NoError(t, err)
	require.NotNil(t, o.Telemetry)

	o.SetServing(true)
	o.Stop(context.Background())
}

func TestStartObservability_Enabled(t *testing.T) {
	t.Parallel()
	o, err := StartObservability(
		context.Background(),
		config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0"},
		config.HealthConfig{Enabled: true, Addr: "127.0.0.1:0"},
		"sonar.consumer",
		logger.NewNoopLogger(),
	)
	require.NoError(t, err)

	o.Telemetry.RecordsProcessed.Add(context.Background(), 1)
	o.SetServing(true)
	o.Stop(context.Background())
}
