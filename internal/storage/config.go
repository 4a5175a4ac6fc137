package storage

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxOpenConns    = 1 // single-writer guard: the engine never needs more than one writer
	defaultMaxIdleConns    = 1
	defaultConnMaxLifetime = 0 // sqlite connections are file handles, not pooled sockets - never recycle
	defaultConnMaxIdleTime = 0
	defaultBusyTimeout     = 30 * time.Second
	defaultBaseDir         = "."
	defaultJournalMode     = "DELETE"
	defaultSynchronous     = "FULL"
)

var (
	// ErrDatabaseURLEmpty is returned when the database path is an empty string.
	ErrDatabaseURLEmpty = errors.New("database path cannot be empty")
	// ErrNonFullSynchronous is returned when TELEMETRY_DB_SYNCHRONOUS requests
	// anything other than FULL: a crash mid-write must never corrupt the file.
	ErrNonFullSynchronous = errors.New("synchronous must be FULL")
)

// Config holds the embedded SQLite engine's connection settings, loaded from
// the env knobs in spec.md §6.3.
type Config struct {
	databaseURL     string // on-disk path to the sqlite file, private to discourage raw logging
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	BusyTimeout     time.Duration

	// JournalMode and Synchronous record the requested PRAGMA values so
	// NewConnection can warn/error before opening the database. The engine
	// always applies DELETE/FULL regardless of these - they exist to let
	// startup flag a misconfigured deployment loudly rather than silently
	// running with a different durability posture than the operator typed.
	JournalMode string
	Synchronous string
}

// LoadConfig loads storage configuration from environment variables with
// fallback to defaults sized for a single-writer embedded engine.
//
// TELEMETRY_DB_PATH, when set, overrides the composed default outright.
// Otherwise the database path is composed as {TELEMETRY_BASE_DIR}/db/telemetry.sqlite,
// with TELEMETRY_BASE_DIR itself defaulting to the current working directory.
func LoadConfig() *Config {
	baseDir := getEnvStr("TELEMETRY_BASE_DIR", defaultBaseDir)
	composedPath := filepath.Join(baseDir, "db", "telemetry.sqlite")

	return &Config{
		databaseURL:     getEnvStr("TELEMETRY_DB_PATH", composedPath),
		MaxOpenConns:    getEnvInt("TELEMETRY_DB_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    getEnvInt("TELEMETRY_DB_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: getEnvDuration("TELEMETRY_DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: getEnvDuration("TELEMETRY_DB_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		BusyTimeout:     getEnvDuration("TELEMETRY_DB_BUSY_TIMEOUT", defaultBusyTimeout),
		JournalMode:     getEnvStr("TELEMETRY_DB_JOURNAL_MODE", defaultJournalMode),
		Synchronous:     getEnvStr("TELEMETRY_DB_SYNCHRONOUS", defaultSynchronous),
	}
}

// Validate checks if the storage configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// Path returns the sqlite file path. Safe to log: unlike a Postgres DSN, a
// filesystem path carries no embedded credentials.
func (c *Config) Path() string {
	return c.databaseURL
}

// LockPath returns the path of the advisory lock file guarding this database,
// placed alongside the database file with a ".lock" suffix.
func (c *Config) LockPath() string {
	return c.databaseURL + ".lock"
}

func getEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// getEnvLogLevel returns the environment variable value or a default if not set.
func getEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}
