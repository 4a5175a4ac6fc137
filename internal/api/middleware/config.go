// Package middleware provides HTTP middleware components for the telemetry API.
package middleware

import (
	"time"

	"github.com/telemetry-run/telemetry/internal/config"
)

// Config holds rate limiter configuration.
//
// Burst capacity is computed automatically as 2 × the per-second rate
// derived from RPM, plus one; there is no per-client override.
type Config struct {
	RPM int // requests per minute per client IP. Default: 60

	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
}

// LoadConfig loads middleware config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		RPM: config.GetEnvInt("TELEMETRY_RATE_LIMIT_RPM", defaultRPM),
		CleanupInterval: config.GetEnvDuration(
			"TELEMETRY_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("TELEMETRY_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
	}
}
