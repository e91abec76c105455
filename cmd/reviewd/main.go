// Package main runs the reviewd service: the HTTP API for submitting and
// inspecting reviews, and the Temporal worker that executes the review
// pipeline.
//
// Usage:
//
//	ANTHROPIC_API_KEY=sk-xxx \
//	DATABASE_DRIVER=postgres \
//	DATABASE_DSN=postgres://... \
//	./reviewd -config reviewd.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/analysis"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/notify"
	"github.com/fyrsmithlabs/reviewd/internal/server"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/workflows"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Root context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "reviewd starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
	)

	// State store
	st, err := store.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Notifications (optional)
	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		notifier = notify.NewNATSNotifier(nc, logger)
		logger.Info(ctx, "nats connected", zap.String("url", cfg.NATS.URL))
	}

	// Analysis backend
	anthropic, err := analysis.NewAnthropicClient(cfg.Anthropic)
	if err != nil {
		return fmt.Errorf("initializing anthropic client: %w", err)
	}
	analyzer := analysis.NewService(anthropic, logger, cfg.Pipeline.MaxPromptBytes)

	// Temporal client and worker
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	logger.Info(ctx, "temporal client connected", zap.String("host", cfg.Temporal.HostPort))

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ReviewWorkflow)
	w.RegisterActivity(workflows.NewActivities(st, analyzer, notifier, logger))

	// HTTP API
	srv, err := server.NewServer(st, c, logger, cfg)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	workerErrors := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker starting")
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}

	logger.Info(ctx, "reviewd stopped gracefully")
	return nil
}
