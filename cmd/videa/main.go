package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/videa/videa-pipeline/internal/api"
	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/config"
	"github.com/videa/videa-pipeline/internal/consolidate"
	"github.com/videa/videa-pipeline/internal/db"
	"github.com/videa/videa-pipeline/internal/intake"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/metrics"
	"github.com/videa/videa-pipeline/internal/observability"
	"github.com/videa/videa-pipeline/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting videa pipeline",
		"version", config.Version,
		"commit", config.GitCommit,
		"built", config.BuildTime,
		"data_dir", cfg.DataDir(),
		"provider", cfg.Provider(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled: cfg.TracingEnabled(),
		Version: config.Version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())
	catalogSvc := catalog.NewService(repo, logger)
	m := metrics.New()

	prov, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to configure analysis provider: %w", err)
	}
	defer func() {
		if err := prov.close(); err != nil {
			logger.Warn("failed to close analysis provider", "error", err)
		}
	}()

	coordinator := pipeline.NewCoordinator(
		repo,
		buildStages(prov, repo, cfg, logger),
		consolidate.New(repo, logger),
		pipeline.Options{Metrics: m, Logger: logger},
	)
	runner := catalog.NewRunner(repo, coordinator, cfg.Concurrency(), cfg.RunnerInterval(), logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Start(ctx)
	}()

	if cfg.AMQPURL() != "" {
		consumer := intake.NewConsumer(intake.Config{
			URL:   cfg.AMQPURL(),
			Queue: cfg.AMQPQueue(),
		}, catalogSvc, m, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("intake consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Info("queue intake disabled", "env", config.EnvAMQPURL)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Host:           cfg.Host(),
		Port:           cfg.Port(),
		Version:        config.Version,
		CatalogService: catalogSvc,
		Abandoner:      coordinator,
		Runner:         runner,
		Metrics:        m,
		Logger:         logger,
		StartTime:      startTime,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	// In-flight runs observe the cancellation and are failed as interrupted.
	cancel()
	wg.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
