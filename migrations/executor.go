package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrDirtySchema is returned when the schema_migrations table reports the
// last applied migration failed partway through, and requires manual repair
// before Up/Down can proceed.
var ErrDirtySchema = errors.New("schema is dirty: previous migration did not complete cleanly")

// ErrNoMigrations is returned when no pending migration exists for the
// requested direction.
var ErrNoMigrations = errors.New("no migrations to apply")

const migrationsTable = "schema_migrations"

// Status reports the current schema version and pending migration count,
// surfaced by the migrator CLI's status command.
type Status struct {
	Version int
	Dirty   bool
	Pending int
}

// Executor applies embedded migrations sequentially against a sqlite
// connection, tracking applied versions in a schema_migrations table it
// manages itself. There is no golang-migrate equivalent for
// modernc.org/sqlite, so this walks the embedded .sql files directly.
type Executor struct {
	db        *sql.DB
	migration *EmbeddedMigration
	logger    *slog.Logger
}

// NewExecutor creates an Executor over db and ensures the schema_migrations
// bookkeeping table exists. It does not apply any migrations itself.
func NewExecutor(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Executor, error) {
	if db == nil {
		return nil, errors.New("migrations: nil database handle")
	}

	if logger == nil {
		logger = slog.Default()
	}

	migration := NewEmbeddedMigration(nil)
	if err := migration.ValidateEmbeddedMigrations(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	executor := &Executor{db: db, migration: migration, logger: logger}

	if err := executor.bootstrap(ctx); err != nil {
		return nil, err
	}

	return executor, nil
}

// bootstrap creates the schema_migrations table if it doesn't already
// exist. This table is itself part of the Data Model, not an internal
// implementation detail, so it is created directly rather than via a
// numbered migration - something has to exist before version 001 can be
// tracked.
func (e *Executor) bootstrap(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			dirty INTEGER NOT NULL DEFAULT 0,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to bootstrap %s: %w", migrationsTable, err)
	}

	return nil
}

// Up applies every pending migration in sequence order. Each migration runs
// in its own transaction; a failure marks that version dirty and stops,
// leaving earlier versions applied.
func (e *Executor) Up(ctx context.Context) error {
	version, dirty, err := e.currentVersion(ctx)
	if err != nil {
		return err
	}

	if dirty {
		return fmt.Errorf("%w: version %03d", ErrDirtySchema, version)
	}

	ups, err := e.sequencedFiles("up")
	if err != nil {
		return err
	}

	applied := 0

	for _, m := range ups {
		if m.Sequence <= version {
			continue
		}

		if err := e.applyOne(ctx, m); err != nil {
			return err
		}

		applied++
	}

	if applied == 0 {
		e.logger.Info("no pending migrations")

		return nil
	}

	e.logger.Info("migrations applied", slog.Int("count", applied))

	return nil
}

// Down rolls back the single most recently applied migration.
func (e *Executor) Down(ctx context.Context) error {
	version, dirty, err := e.currentVersion(ctx)
	if err != nil {
		return err
	}

	if dirty {
		return fmt.Errorf("%w: version %03d", ErrDirtySchema, version)
	}

	if version == 0 {
		return ErrNoMigrations
	}

	downs, err := e.sequencedFiles("down")
	if err != nil {
		return err
	}

	var target *MigrationInfo

	for i := range downs {
		if downs[i].Sequence == version {
			target = &downs[i]

			break
		}
	}

	if target == nil {
		return fmt.Errorf("%w: no down migration for version %03d", ErrNoMigrations, version)
	}

	return e.rollbackOne(ctx, *target)
}

// Drop rolls back every applied migration in reverse order, for the CLI's
// destructive "drop" command. Callers are responsible for obtaining user
// confirmation before calling this.
func (e *Executor) Drop(ctx context.Context) error {
	for {
		version, _, err := e.currentVersion(ctx)
		if err != nil {
			return err
		}

		if version == 0 {
			return nil
		}

		if err := e.Down(ctx); err != nil {
			return err
		}
	}
}

// Status reports the current schema version and how many migrations remain
// unapplied.
func (e *Executor) Status(ctx context.Context) (Status, error) {
	version, dirty, err := e.currentVersion(ctx)
	if err != nil {
		return Status{}, err
	}

	ups, err := e.sequencedFiles("up")
	if err != nil {
		return Status{}, err
	}

	pending := 0

	for _, m := range ups {
		if m.Sequence > version {
			pending++
		}
	}

	return Status{Version: version, Dirty: dirty, Pending: pending}, nil
}

// currentVersion returns the highest recorded version and whether that
// row is still marked dirty (its migration did not complete).
func (e *Executor) currentVersion(ctx context.Context) (int, bool, error) {
	var (
		version sql.NullInt64
		dirty   sql.NullBool
	)

	err := e.db.QueryRowContext(ctx,
		"SELECT version, dirty FROM "+migrationsTable+" ORDER BY version DESC LIMIT 1",
	).Scan(&version, &dirty)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to read current schema version: %w", err)
	}

	return int(version.Int64), dirty.Bool, nil
}

// sequencedFiles returns the embedded migration files for direction, sorted
// by sequence number ascending.
func (e *Executor) sequencedFiles(direction string) ([]MigrationInfo, error) {
	files, err := e.migration.ListEmbeddedMigrations()
	if err != nil {
		return nil, err
	}

	var infos []MigrationInfo

	for _, f := range files {
		info, err := e.migration.parseMigrationFilename(f)
		if err != nil {
			return nil, err
		}

		if info.Direction == direction {
			infos = append(infos, *info)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Sequence < infos[j].Sequence })

	return infos, nil
}

// applyOne runs a single up migration inside a transaction, marking the
// version dirty before running and clearing it on success.
func (e *Executor) applyOne(ctx context.Context, m MigrationInfo) error {
	if _, err := e.db.ExecContext(ctx,
		"INSERT INTO "+migrationsTable+" (version, name, dirty, applied_at) VALUES (?, ?, 1, ?)",
		m.Sequence, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to mark version %03d dirty: %w", m.Sequence, err)
	}

	content, err := e.migration.GetEmbeddedMigrationContent(m.Filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", m.Filename, err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", m.Filename, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to apply %s: %w", m.Filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE "+migrationsTable+" SET dirty = 0 WHERE version = ?", m.Sequence,
	); err != nil {
		return fmt.Errorf("failed to clear dirty flag for version %03d: %w", m.Sequence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", m.Filename, err)
	}

	e.logger.Info("applied migration", slog.Int("version", m.Sequence), slog.String("name", m.Name))

	return nil
}

// rollbackOne runs a single down migration and removes its schema_migrations row.
func (e *Executor) rollbackOne(ctx context.Context, m MigrationInfo) error {
	content, err := e.migration.GetEmbeddedMigrationContent(m.Filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", m.Filename, err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", m.Filename, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to apply %s: %w", m.Filename, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+migrationsTable+" WHERE version = ?", m.Sequence); err != nil {
		return fmt.Errorf("failed to remove schema_migrations row for version %03d: %w", m.Sequence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback of %s: %w", m.Filename, err)
	}

	e.logger.Info("rolled back migration", slog.Int("version", m.Sequence), slog.String("name", m.Name))

	return nil
}
