// Package app builds transports, stores and servers of the sonar binaries
// from their configuration
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/lease"
	"github.com/hugolhafner/go-sonar/logger"
	"github.com/hugolhafner/go-sonar/plugins/zaplogger"
	"github.com/hugolhafner/go-sonar/stream"
	mockstream "github.com/hugolhafner/go-sonar/stream/mock"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewLogger builds the zap backed logger and routes sarama's global logger into it
func NewLogger(cfg config.LogConfig) (logger.Logger, func(), error) {
	l, sync, err := zaplogger.NewProduction(logger.ParseLevel(cfg.Level), cfg.JSON)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	sarama.Logger = stream.NewSaramaLogger(l)
	return l, sync, nil
}

func AWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// NewTransport opens the stream selected by cfg.Driver
func NewTransport(ctx context.Context, cfg config.StreamConfig, l logger.Logger) (stream.Transport, error) {
	switch cfg.Driver {
	case "kgo":
		return stream.NewKgoTransport(
			cfg.Name,
			stream.WithKgoBootstrapServers(cfg.Brokers...),
			stream.WithKgoLogger(l),
		)

	case "sarama":
		return stream.NewSaramaTransport(
			cfg.Name,
			stream.WithSaramaBrokers(cfg.Brokers...),
			stream.WithSaramaLogger(l),
		)

	case "kinesis":
		awsCfg, err := AWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := kinesis.NewFromConfig(
			awsCfg, func(o *kinesis.Options) {
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
				}
			},
		)
		return stream.NewKinesisTransport(client, cfg.Name, l), nil

	case "mock":
		l.Warn("Using the in-memory stream, records are not shared between processes")
		return mockstream.NewTransport(mockstream.WithPartitions(cfg.Partitions)), nil

	default:
		return nil, fmt.Errorf("unknown stream driver %q", cfg.Driver)
	}
}

// Stores pairs the lease table and checkpoint store of one backend
type Stores struct {
	Leases      lease.Table
	Checkpoints checkpoint.Store
	closer      func() error
}

func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewStores opens the lease table and checkpoint store selected by
// cfg.Driver. Keys and tables are namespaced by the application name.
func NewStores(ctx context.Context, cfg config.StoreConfig, l logger.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "memory":
		l.Warn("Using in-memory leases and checkpoints, progress is lost on exit")
		return &Stores{
			Leases:      lease.NewMemoryTable(),
			Checkpoints: checkpoint.NewMemoryStore(),
		}, nil

	case "etcd":
		client, err := clientv3.New(
			clientv3.Config{
				Endpoints:   cfg.Endpoints,
				DialTimeout: cfg.Timeout,
				Context:     ctx,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}

		return &Stores{
			Leases: lease.NewEtcdTable(
				client, lease.EtcdConfig{
					Prefix:      cfg.Prefix + "/leases",
					CallTimeout: cfg.Timeout,
					Logger:      l,
				},
			),
			Checkpoints: checkpoint.NewEtcdStore(
				client, checkpoint.EtcdConfig{
					Prefix:      cfg.Prefix + "/checkpoints",
					CallTimeout: cfg.Timeout,
					Logger:      l,
				},
			),
			closer: client.Close,
		}, nil

	case "dynamodb":
		client, err := NewDynamoClient(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}

		return &Stores{
			Leases: lease.NewDynamoTable(
				client, lease.DynamoConfig{
					TableName:   cfg.LeaseTable,
					CallTimeout: cfg.Timeout,
					Logger:      l,
				},
			),
			Checkpoints: checkpoint.NewDynamoStore(
				client, checkpoint.DynamoConfig{
					TableName:   cfg.CheckpointTable,
					CallTimeout: cfg.Timeout,
					Logger:      l,
				},
			),
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	awsCfg, err := AWSConfig(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(
		awsCfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		},
	), nil
}

// CloseAll closes every closer, joining their errors
func CloseAll(closers ...func() error) error {
	var errs []error
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
