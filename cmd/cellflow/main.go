package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cellflow/internal/artifact"
	"cellflow/internal/cli"
	"cellflow/internal/config"
	"cellflow/internal/logging"
	"cellflow/internal/metrics"
	"cellflow/internal/pipeline"
	"cellflow/internal/storage"
	"cellflow/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cellflow:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	// The job database lives under the data root, which `init` creates.
	if err := os.MkdirAll(cfg.Paths.Root, 0o755); err != nil {
		return fmt.Errorf("create root %s: %w", cfg.Paths.Root, err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open job database: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	opts := []tasks.Option{tasks.WithMetrics(m)}
	if cfg.Archive.S3.Enabled {
		mirror, err := artifact.NewS3Mirror(ctx, cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("configure S3 archive: %w", err)
		}
		opts = append(opts, tasks.WithMirror(mirror))
	}
	svc := tasks.NewService(cfg, logger, opts...)

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, svc, m)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe, svc, m).ExecuteContext(ctx)
}
