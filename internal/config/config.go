// Package config loads the settings of the sonar binaries from YAML and
// SONAR__ prefixed environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	SchemaVersion = "v1"
	EnvPrefix     = "SONAR__"
)

type Config struct {
	SchemaVersion string `koanf:"schema_version"`
	// Application namespaces lease and checkpoint keys
	Application string `koanf:"application"`

	Stream   StreamConfig   `koanf:"stream"`
	Store    StoreConfig    `koanf:"store"`
	Consumer ConsumerConfig `koanf:"consumer"`
	Producer ProducerConfig `koanf:"producer"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Health   HealthConfig   `koanf:"health"`
	Tables   TablesConfig   `koanf:"tables"`
}

type StreamConfig struct {
	Driver string `koanf:"driver"` // kgo|sarama|kinesis|mock
	// Name is the Kafka topic or Kinesis stream
	Name     string   `koanf:"name"`
	Brokers  []string `koanf:"brokers"`
	Region   string   `koanf:"region"`
	Endpoint string   `koanf:"endpoint"`
	// Partitions sizes the in-memory mock stream
	Partitions int `koanf:"partitions"`
}

type StoreConfig struct {
	Driver    string        `koanf:"driver"` // memory|etcd|dynamodb
	Endpoints []string      `koanf:"endpoints"`
	Prefix    string        `koanf:"prefix"`
	Region    string        `koanf:"region"`
	Endpoint  string        `koanf:"endpoint"`
	Timeout   time.Duration `koanf:"timeout"`

	LeaseTable      string `koanf:"lease_table"`
	CheckpointTable string `koanf:"checkpoint_table"`
}

type ConsumerConfig struct {
	InitialPosition   string        `koanf:"initial_position"` // earliest|latest
	BatchSize         int           `koanf:"batch_size"`
	MaxWorkers        int           `koanf:"max_workers"`
	LeaseTTL          time.Duration `koanf:"lease_ttl"`
	RebalanceInterval time.Duration `koanf:"rebalance_interval"`
	IdleInterval      time.Duration `koanf:"idle_interval"`
	RetryAttempts     int           `koanf:"retry_attempts"`
	MaxRestarts       int           `koanf:"max_restarts"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	Format            string        `koanf:"format"` // raw|json|proto
}

type ProducerConfig struct {
	Producers     int           `koanf:"producers"`
	PayloadLength int           `koanf:"payload_length"`
	Interval      time.Duration `koanf:"interval"`
	Count         uint64        `koanf:"count"`
	Format        string        `koanf:"format"`
	MaxFailures   int           `koanf:"max_failures"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type HealthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type TablesConfig struct {
	Region      string        `koanf:"region"`
	Endpoint    string        `koanf:"endpoint"`
	Filter      string        `koanf:"filter"`
	Parallelism int           `koanf:"parallelism"`
	WaitTimeout time.Duration `koanf:"wait_timeout"`
	DryRun      bool          `koanf:"dry_run"`
}

// Load merges the YAML file at path, when present, with SONAR__ environment
// variables. Nested keys use a double underscore, SONAR__CONSUMER__BATCH_SIZE
// sets consumer.batch_size.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if sv := k.String("schema_version"); sv != "" && sv != SchemaVersion {
		return Config{}, fmt.Errorf("schema_version %q not supported (want %s)", sv, SchemaVersion)
	}

	err := k.Load(
		env.Provider(
			EnvPrefix, "__", func(s string) string {
				return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
			},
		), nil,
	)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SchemaVersion
	}
	if c.Application == "" {
		c.Application = "sonar"
	}

	if c.Stream.Driver == "" {
		c.Stream.Driver = "mock"
	}
	if c.Stream.Name == "" {
		c.Stream.Name = "Sonar-Kinesis-Test"
	}
	if c.Stream.Partitions == 0 {
		c.Stream.Partitions = 4
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = "/" + c.Application
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 5 * time.Second
	}
	if c.Store.LeaseTable == "" {
		c.Store.LeaseTable = c.Application + "-leases"
	}
	if c.Store.CheckpointTable == "" {
		c.Store.CheckpointTable = c.Application + "-checkpoints"
	}

	if c.Consumer.InitialPosition == "" {
		c.Consumer.InitialPosition = "earliest"
	}
	if c.Consumer.BatchSize == 0 {
		c.Consumer.BatchSize = 100
	}
	if c.Consumer.MaxWorkers == 0 {
		c.Consumer.MaxWorkers = 64
	}
	if c.Consumer.LeaseTTL == 0 {
		c.Consumer.LeaseTTL = 30 * time.Second
	}
	if c.Consumer.RebalanceInterval == 0 {
		c.Consumer.RebalanceInterval = 10 * time.Second
	}
	if c.Consumer.IdleInterval == 0 {
		c.Consumer.IdleInterval = time.Second
	}
	if c.Consumer.RetryAttempts == 0 {
		c.Consumer.RetryAttempts = 5
	}
	if c.Consumer.MaxRestarts == 0 {
		c.Consumer.MaxRestarts = 5
	}
	if c.Consumer.ShutdownTimeout == 0 {
		c.Consumer.ShutdownTimeout = 30 * time.Second
	}
	if c.Consumer.Format == "" {
		c.Consumer.Format = "raw"
	}

	if c.Producer.Producers == 0 {
		c.Producer.Producers = 30
	}
	if c.Producer.PayloadLength == 0 {
		c.Producer.PayloadLength = 50
	}
	if c.Producer.Format == "" {
		c.Producer.Format = "raw"
	}
	if c.Producer.MaxFailures == 0 {
		c.Producer.MaxFailures = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":9091"
	}

	if c.Tables.Filter == "" {
		c.Tables.Filter = "xregion"
	}
	if c.Tables.Parallelism == 0 {
		c.Tables.Parallelism = 8
	}
	if c.Tables.WaitTimeout == 0 {
		c.Tables.WaitTimeout = 5 * time.Minute
	}
}

func (c Config) Validate() error {
	var errs []error

	switch c.Stream.Driver {
	case "kgo", "sarama":
		if len(c.Stream.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("stream.brokers is required for driver %s", c.Stream.Driver))
		}
	case "kinesis", "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown stream.driver %q", c.Stream.Driver))
	}

	switch c.Store.Driver {
	case "etcd":
		if len(c.Store.Endpoints) == 0 {
			errs = append(errs, errors.New("store.endpoints is required for driver etcd"))
		}
	case "memory", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Consumer.BatchSize < 0 {
		errs = append(errs, errors.New("consumer.batch_size must be positive"))
	}
	if c.Consumer.MaxWorkers < 0 {
		errs = append(errs, errors.New("consumer.max_workers must be positive"))
	}
	if c.Producer.Producers < 0 {
		errs = append(errs, errors.New("producer.producers must be positive"))
	}

	return errors.Join(errs...)
}
