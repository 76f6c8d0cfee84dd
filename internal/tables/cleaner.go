// Package tables lists and deletes DynamoDB tables of an account, typically
// the lease and checkpoint tables left behind by test runs
package tables

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hugolhafner/go-sonar/logger"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the DynamoDB client the cleaner needs
type API interface {
	dynamodb.ListTablesAPIClient
	dynamodb.DescribeTableAPIClient
	DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (
		*dynamodb.DeleteTableOutput, error,
	)
}

type Config struct {
	Logger logger.Logger
	// Parallelism bounds the tables of one page handled at once
	Parallelism int
	// WaitTimeout bounds the wait for a deleted table to disappear
	WaitTimeout  time.Duration
	WaitMinDelay time.Duration
	DryRun       bool
}

type Cleaner struct {
	client API
	config Config
	logger logger.Logger
}

func NewCleaner(client API, cfg Config) *Cleaner {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.WaitMinDelay <= 0 {
		cfg.WaitMinDelay = 2 * time.Second
	}

	return &Cleaner{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "table-cleaner"),
	}
}

// Each calls fn for every table of the account. Tables of one page are
// handled concurrently, pages one after another.
func (c *Cleaner) Each(ctx context.Context, fn func(ctx context.Context, table string) error) error {
	c.logger.Info("Consuming all the tables in the account")

	pages := dynamodb.NewListTablesPaginator(c.client, &dynamodb.ListTablesInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.config.Parallelism)
		for _, name := range page.TableNames {
			g.Go(func() error { return fn(gctx, name) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// List returns the names of every table
func (c *Cleaner) List(ctx context.Context) ([]string, error) {
	var (
		mu    sync.Mutex
		names []string
	)

	err := c.Each(
		ctx, func(_ context.Context, table string) error {
			c.logger.Info("Table found", "table", table)
			mu.Lock()
			names = append(names, table)
			mu.Unlock()
			return nil
		},
	)
	return names, err
}

// DeleteMatching deletes every table whose name contains substr and waits
// until each is gone
func (c *Cleaner) DeleteMatching(ctx context.Context, substr string) ([]string, error) {
	if substr == "" {
		return nil, errors.New("refusing to delete tables without a filter")
	}

	var (
		mu      sync.Mutex
		deleted []string
	)

	err := c.Each(
		ctx, func(ctx context.Context, table string) error {
			if !strings.Contains(table, substr) {
				return nil
			}
			if err := c.Delete(ctx, table); err != nil {
				return err
			}
			mu.Lock()
			deleted = append(deleted, table)
			mu.Unlock()
			return nil
		},
	)
	return deleted, err
}

// Delete removes one table and waits until DescribeTable no longer finds it
func (c *Cleaner) Delete(ctx context.Context, table string) error {
	if c.config.DryRun {
		c.logger.Info("Dry run, not deleting table", "table", table)
		return nil
	}

	c.logger.Info("Deleting table", "table", table)
	_, err := c.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)})

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		c.logger.Debug("Table already gone", "table", table)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete table %s: %w", table, err)
	}

	waiter := dynamodb.NewTableNotExistsWaiter(
		c.client, func(o *dynamodb.TableNotExistsWaiterOptions) {
			o.MinDelay = c.config.WaitMinDelay
			if o.MaxDelay < o.MinDelay {
				o.MaxDelay = o.MinDelay
			}
		},
	)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, c.config.WaitTimeout); err != nil {
		return fmt.Errorf("wait for table %s deletion: %w", table, err)
	}

	c.logger.Info("Table deleted", "table", table)
	return nil
}
