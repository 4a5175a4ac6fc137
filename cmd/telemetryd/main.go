// Package main provides the telemetry ingestion and query service.
//
// It owns the single writer connection to the embedded sqlite database,
// applies pending migrations at startup, and serves the Run API described
// in the service's HTTP contract.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/telemetry-run/telemetry/internal/api"
	"github.com/telemetry-run/telemetry/internal/api/middleware"
	"github.com/telemetry-run/telemetry/internal/backup"
	"github.com/telemetry-run/telemetry/internal/retention"
	"github.com/telemetry-run/telemetry/internal/storage"
	"github.com/telemetry-run/telemetry/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "telemetryd"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting telemetry service",
		slog.String("service", name),
		slog.String("version", version),
	)

	if err := serverConfig.Validate(); err != nil {
		logger.Error("invalid server configuration", slog.Any("error", err))
		os.Exit(1)
	}

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		logger.Error("invalid storage configuration", slog.Any("error", err))
		os.Exit(1)
	}

	guard, err := storage.AcquireWriterGuard(storageConfig.LockPath())
	if err != nil {
		logger.Error("failed to acquire writer lock", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = guard.Release() }()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, conn.DB, logger)
	if err != nil {
		logger.Error("failed to initialize migration executor", slog.Any("error", err))
		os.Exit(1)
	}

	if err := executor.Up(ctx); err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := storage.NewRunStore(conn)
	if err != nil {
		logger.Error("failed to initialize run store", slog.Any("error", err))
		os.Exit(1)
	}

	var rateLimiter middleware.RateLimiter

	if serverConfig.RateLimitEnabled {
		limiterConfig := middleware.LoadConfig()
		limiterConfig.RPM = serverConfig.RateLimitRPM
		rateLimiter = middleware.NewInMemoryRateLimiter(limiterConfig)
	}

	logger.Info("loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
		slog.String("db_path", storageConfig.Path()),
		slog.Bool("auth_enabled", serverConfig.AuthEnabled),
		slog.Bool("rate_limit_enabled", serverConfig.RateLimitEnabled),
	)

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	retentionController := retention.New(store, storageConfig.Path(), logger)
	go retentionController.RunForever(backgroundCtx, retention.LoadConfig())

	backupConfig := backup.LoadConfig(filepath.Dir(filepath.Dir(storageConfig.Path())))
	backupController := backup.New(storageConfig.Path(), backupConfig.Dir, backupConfig.MinFreeBytes, logger)
	go backupController.RunForever(backgroundCtx, backupConfig)

	server := api.NewServer(&serverConfig, store, rateLimiter, version, storageConfig.Path())

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("telemetry service stopped")
}
