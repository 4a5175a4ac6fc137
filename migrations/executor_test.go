package migrations_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telemetry-run/telemetry/migrations"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "executor_test.db")

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", dbPath))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()

	var count int
	err := db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	require.NoError(t, err)

	return count == 1
}

func TestExecutorUpAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, db, nil)
	require.NoError(t, err)

	require.NoError(t, executor.Up(ctx))

	assert.True(t, tableExists(t, db, "agent_runs"))
	assert.True(t, tableExists(t, db, "commits"))

	status, err := executor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Version)
	assert.False(t, status.Dirty)
	assert.Equal(t, 0, status.Pending)
}

func TestExecutorUpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, db, nil)
	require.NoError(t, err)

	require.NoError(t, executor.Up(ctx))
	require.NoError(t, executor.Up(ctx))

	status, err := executor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Version)
}

func TestExecutorDownRollsBackMostRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, db, nil)
	require.NoError(t, err)
	require.NoError(t, executor.Up(ctx))

	require.NoError(t, executor.Down(ctx))

	assert.False(t, tableExists(t, db, "commits"))
	assert.True(t, tableExists(t, db, "agent_runs"))

	status, err := executor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Version)
	assert.Equal(t, 1, status.Pending)
}

func TestExecutorDownWithNoMigrationsReturnsError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, db, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, executor.Down(ctx), migrations.ErrNoMigrations)
}

func TestExecutorDropReturnsToVersionZero(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, db, nil)
	require.NoError(t, err)
	require.NoError(t, executor.Up(ctx))

	require.NoError(t, executor.Drop(ctx))

	assert.False(t, tableExists(t, db, "agent_runs"))
	assert.False(t, tableExists(t, db, "commits"))

	status, err := executor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Version)
	assert.Equal(t, 2, status.Pending)
}

func TestExecutorStatusOnFreshDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	executor, err := migrations.NewExecutor(ctx, db, nil)
	require.NoError(t, err)

	status, err := executor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Version)
	assert.False(t, status.Dirty)
	assert.Equal(t, 2, status.Pending)
}
