// Package api provides HTTP API server implementation for the telemetry service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telemetry-run/telemetry/internal/api/middleware"
	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// requiredJournalMode and requiredSynchronous mirror the PRAGMAs the storage
// engine applies unconditionally at startup (internal/storage/connection.go).
// /health and /metrics report these as fixed values rather than querying the
// database, since /health must do no I/O.
const (
	requiredJournalMode = "DELETE"
	requiredSynchronous = "FULL"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	store       telemetry.Store
	rateLimiter middleware.RateLimiter
	validator   *telemetry.Validator // Shared validator (thread-safe, created once)
	version     string
	dbPath      string
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, CORS settings)
//   - store: the Run storage engine (REQUIRED - panics if nil)
//   - rateLimiter: Rate limiter implementation (nil disables rate limiting)
//   - version: build version string reported by /health
//   - dbPath: sqlite file path reported by /health and /metrics
func NewServer(
	cfg *ServerConfig,
	store telemetry.Store,
	rateLimiter middleware.RateLimiter,
	version string,
	dbPath string,
) *Server {
	// Create structured logger with configured log level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if store == nil {
		logger.Error("telemetry.Store is required - cannot start server without core functionality")
		panic("telemetry: Store cannot be nil - this indicates a configuration error")
	}

	// Create base HTTP mux
	mux := http.NewServeMux()

	// Create validator once (thread-safe, no mutable state)
	validator := telemetry.NewValidator()

	// Create server instance for route setup
	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		rateLimiter: rateLimiter,
		validator:   validator,
		version:     version,
		dbPath:      dbPath,
	}

	// Set up all API routes
	server.setupRoutes(mux)

	// Log middleware configuration
	if cfg.AuthEnabled {
		logger.Info("bearer token authentication middleware enabled")
	} else {
		logger.Warn("authentication disabled - TELEMETRY_API_AUTH_ENABLED is not set")
	}

	if rateLimiter != nil {
		logger.Info("rate limiting middleware enabled", slog.Int("rpm", rateLimiter.Limit()))
	} else {
		logger.Warn("rate limiter not configured - rate limiting middleware disabled")
	}

	authToken := ""
	if cfg.AuthEnabled {
		authToken = cfg.AuthToken
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Auth - bearer token check (optional, skips /health and /api/v1/metadata)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(authToken, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	server.httpServer = httpServer

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting telemetry API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Attempt graceful shutdown of HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close all dependencies (best-effort - log failures but continue shutdown)
	s.closeDependency("telemetry store", s.store)

	if s.rateLimiter != nil {
		if closer, ok := s.rateLimiter.(interface{ Close() }); ok {
			s.logger.Info("closing rate limiter")
			closer.Close()
		}
	}

	s.logger.Info("server shutdown completed successfully")

	return nil
}

// closeDependency attempts to close a server dependency that implements io.Closer.
// Logs the operation and its result. Errors are logged but don't stop shutdown (best-effort).
func (s *Server) closeDependency(name string, dep interface{}) {
	// Skip if dep is nil
	if dep == nil {
		return
	}

	s.logger.Info("closing " + name)

	// Check if dep implements io.Closer
	closer, ok := dep.(io.Closer)
	if !ok {
		// Dependency doesn't implement io.Closer, nothing to close
		return
	}

	// Attempt to close (log error but continue)
	if err := closer.Close(); err != nil {
		s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}
