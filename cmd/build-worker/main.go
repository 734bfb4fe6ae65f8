package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"layerforge/internal/buildcontext"
	"layerforge/internal/builder"
	"layerforge/internal/cache"
	"layerforge/internal/infra"
	"layerforge/internal/store"
	"layerforge/internal/tasks"
	"layerforge/internal/workers"
	"layerforge/pkg/graceful"
)

func main() {
	config, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, config.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	layerStore, err := cache.NewStore(config.Build.CacheDir, logger)
	if err != nil {
		logger.Fatal("Failed to open layer cache", zap.Error(err))
	}

	if err := os.MkdirAll(config.Build.CloneDir, 0o755); err != nil {
		logger.Fatal("Failed to create clone directory", zap.Error(err))
	}

	runner, err := builder.NewDockerRunner(builder.DockerRunnerOptions{
		Host:       config.Docker.Host,
		RunTimeout: config.Build.RunTimeout,
		PullBase:   config.Docker.PullBase,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create Docker runner", zap.Error(err))
	}
	defer runner.Close()

	executor := builder.NewExecutor(runner, layerStore, logger)
	buildRepo := store.NewBuildRepo(pool, logger)
	gitSource := buildcontext.NewGitSource(logger, config.Build.CloneDir)

	handler := tasks.NewTaskHandler(logger, buildRepo, executor, gitSource)
	server := workers.NewAsynqServer(config.Redis.Addr, config.WorkerConcurrency, logger, handler)
	server.RegisterHandlers()

	go func() {
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			logger.Fatal("Build worker failed", zap.Error(err))
		}
	}()

	shutdown := graceful.NewShutdownHandler(logger, 30*time.Second)
	shutdown.Register(server)
	shutdown.WaitForShutdown()

	cancel()
	logger.Info("Build worker exited")
}

func initLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.Level = zapLevel
	return config.Build()
}
