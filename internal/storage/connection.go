package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo
)

const (
	sqliteDriver = "sqlite"
	ctxTimeout   = 5 * time.Second
)

// ErrNoDatabaseConnection is returned when a store is constructed with a nil
// Connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

// Connection wraps the single database/sql handle backing the storage
// engine. There is exactly one of these per process: spec.md §4.2 requires a
// single writer, so the pool is deliberately kept to one connection.
type Connection struct {
	*sql.DB
}

// NewConnection opens the sqlite file at config's path, applies the
// required PRAGMAs from spec.md §4.1, and verifies the connection is live.
// TELEMETRY_DB_JOURNAL_MODE/TELEMETRY_DB_SYNCHRONOUS are checked against the
// fixed posture the engine actually applies: a non-DELETE journal mode only
// warns (the engine silently overrides it), a non-FULL synchronous mode
// fails startup outright, since it would misrepresent the service's
// durability guarantee to operators reading the config.
func NewConnection(config *Config) (*Connection, error) {
	if err := validateDurabilityConfig(config); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", config.Path(), config.BusyTimeout.Milliseconds())

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	conn := &Connection{db}

	if err := conn.applyPragmas(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return conn, nil
}

// validateDurabilityConfig warns on a requested journal mode other than
// DELETE (the engine always applies DELETE, so this is advisory only) and
// rejects a requested synchronous mode other than FULL outright.
func validateDurabilityConfig(config *Config) error {
	if config.JournalMode != "" && config.JournalMode != defaultJournalMode {
		slog.Default().Warn(
			"TELEMETRY_DB_JOURNAL_MODE requested a non-DELETE journal mode; the engine always applies DELETE",
			slog.String("requested", config.JournalMode),
		)
	}

	if config.Synchronous != "" && config.Synchronous != defaultSynchronous {
		return fmt.Errorf("%w: TELEMETRY_DB_SYNCHRONOUS=%s", ErrNonFullSynchronous, config.Synchronous)
	}

	return nil
}

// applyPragmas sets the durability posture spec.md §4.1 requires: a crash in
// the middle of a write must never leave the database corrupt, at the cost
// of WAL's concurrent-reader throughput the single-writer engine doesn't need.
func (c *Connection) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := c.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy and ready to serve
// requests, with a bounded default timeout when the caller passes a nil
// context-derived deadline.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the database connection pool gracefully. Safe to call
// multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns database connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}
