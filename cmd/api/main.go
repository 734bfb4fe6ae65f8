package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"layerforge/internal/api"
	"layerforge/internal/cache"
	"layerforge/internal/infra"
	"layerforge/internal/store"
	"layerforge/internal/tasks"
	"layerforge/pkg/graceful"
)

func main() {
	// Load configuration (fails fast on missing required configs)
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

	logger.Info("Configuration loaded",
		zap.String("server_addr", config.Server.Addr),
		zap.String("server_port", config.Server.Port),
		zap.String("postgres_host", config.Postgres.Host),
		zap.String("redis_addr", config.Redis.Addr),
		zap.String("cache_dir", config.Build.CacheDir),
	)

	ctx := context.Background()

	if err := store.RunMigrations(config.Postgres.DSN, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	pool, err := store.NewPool(ctx, config.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	layerStore, err := cache.NewStore(config.Build.CacheDir, logger)
	if err != nil {
		logger.Fatal("Failed to open layer cache", zap.Error(err))
	}

	buildRepo := store.NewBuildRepo(pool, logger)
	taskClient := tasks.NewTaskClient(config.Redis.Addr, logger)
	defer taskClient.Close()

	jwtService := api.NewJWTService(config.Auth.JWTSecret, logger)
	handlers := api.NewHandlers(logger, buildRepo, layerStore, taskClient, jwtService,
		config.Auth.AdminKeyHash, config.Auth.JWTExpiry)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", config.Server.Addr, config.Server.Port),
		Handler: api.Router(logger, handlers, jwtService),
	}

	go func() {
		logger.Info("Starting API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	shutdown := graceful.NewShutdownHandler(logger, 30*time.Second)
	shutdown.Register(server)
	shutdown.WaitForShutdown()

	logger.Info("Server exited")
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
