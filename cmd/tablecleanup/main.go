// Command tablecleanup lists every DynamoDB table of the account and deletes
// those whose name contains the configured filter
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hugolhafner/go-sonar/internal/app"
	"github.com/hugolhafner/go-sonar/internal/config"
	"github.com/hugolhafner/go-sonar/internal/tables"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	listOnly := flag.Bool("list", false, "only list tables")
	flag.Parse()

	if err := run(*configPath, *listOnly); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, listOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	l, sync, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := app.NewDynamoClient(ctx, cfg.Tables.Region, cfg.Tables.Endpoint)
	if err != nil {
		return err
	}

	cleaner := tables.NewCleaner(
		client, tables.Config{
			Logger:      l,
			Parallelism: cfg.Tables.Parallelism,
			WaitTimeout: cfg.Tables.WaitTimeout,
			DryRun:      cfg.Tables.DryRun,
		},
	)

	names, err := cleaner.List(ctx)
	if err != nil {
		return err
	}
	l.Info("Listed tables", "count", len(names))

	if listOnly {
		return nil
	}

	deleted, err := cleaner.DeleteMatching(ctx, cfg.Tables.Filter)
	if err != nil {
		return err
	}
	l.Info("Cleanup finished", "filter", cfg.Tables.Filter, "deleted", len(deleted))
	return nil
}
