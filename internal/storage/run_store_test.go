package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-run/telemetry/internal/storage"
	"github.com/telemetry-run/telemetry/internal/telemetry"
)

const testSchema = `
CREATE TABLE agent_runs (
	event_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT,
	agent_name TEXT NOT NULL,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	items_discovered INTEGER NOT NULL DEFAULT 0,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed INTEGER NOT NULL DEFAULT 0,
	items_skipped INTEGER NOT NULL DEFAULT 0,
	input_summary TEXT NOT NULL DEFAULT '',
	output_summary TEXT NOT NULL DEFAULT '',
	error_summary TEXT NOT NULL DEFAULT '',
	error_details TEXT NOT NULL DEFAULT '',
	source_ref TEXT NOT NULL DEFAULT '',
	target_ref TEXT NOT NULL DEFAULT '',
	product TEXT NOT NULL DEFAULT '',
	product_family TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	subdomain TEXT NOT NULL DEFAULT '',
	website TEXT NOT NULL DEFAULT '',
	website_section TEXT NOT NULL DEFAULT '',
	item_name TEXT NOT NULL DEFAULT '',
	git_repo TEXT NOT NULL DEFAULT '',
	git_branch TEXT NOT NULL DEFAULT '',
	git_commit_hash TEXT NOT NULL DEFAULT '',
	git_run_tag TEXT NOT NULL DEFAULT '',
	git_commit_source TEXT NOT NULL DEFAULT '',
	git_commit_author TEXT NOT NULL DEFAULT '',
	git_commit_timestamp TEXT NOT NULL DEFAULT '',
	host TEXT NOT NULL DEFAULT '',
	environment TEXT NOT NULL DEFAULT '',
	trigger_type TEXT NOT NULL DEFAULT '',
	metrics_json TEXT NOT NULL DEFAULT '{}',
	context_json TEXT NOT NULL DEFAULT '{}',
	api_posted INTEGER NOT NULL DEFAULT 0,
	api_posted_at TEXT,
	api_retry_count INTEGER NOT NULL DEFAULT 0,
	insight_id TEXT NOT NULL DEFAULT '',
	parent_run_id TEXT NOT NULL DEFAULT ''
)`

func newTestStore(t *testing.T) *storage.RunStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("TELEMETRY_DB_PATH", dbPath)

	conn, err := storage.NewConnection(storage.LoadConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.ExecContext(context.Background(), testSchema)
	require.NoError(t, err)

	store, err := storage.NewRunStore(conn)
	require.NoError(t, err)

	return store
}

func testRun(eventID string) *telemetry.Run {
	return &telemetry.Run{
		EventID:   eventID,
		RunID:     "run-" + eventID,
		AgentName: "agent-a",
		JobType:   "scrape",
		StartTime: time.Now().UTC(),
		Status:    telemetry.StatusRunning,
	}
}

func TestRunStoreInsertAndFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.False(t, outcome.Duplicate)

	fetched, err := store.FetchByEventID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "run-e1", fetched.RunID)
	assert.Equal(t, telemetry.StatusRunning, fetched.Status)
}

func TestRunStoreInsertDuplicateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)

	outcome, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.False(t, outcome.Created)
}

func TestRunStoreFetchMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.FetchByEventID(context.Background(), "missing")
	assert.ErrorIs(t, err, telemetry.ErrRunNotFound)
}

func TestRunStoreBatchInsertPartialSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRun("dup"))
	require.NoError(t, err)

	result, err := store.BatchInsert(ctx, []*telemetry.Run{
		testRun("new-1"),
		testRun("dup"),
		testRun("new-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 3, result.Total)
}

func TestRunStoreUpdateFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)

	err = store.UpdateFields(ctx, "e1", map[string]interface{}{"status": "success", "duration_ms": 42})
	require.NoError(t, err)

	fetched, err := store.FetchByEventID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.Status("success"), fetched.Status)
	assert.Equal(t, 42, fetched.DurationMs)
}

func TestRunStoreUpdateFieldsMissingRun(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateFields(context.Background(), "missing", map[string]interface{}{"status": "success"})
	assert.ErrorIs(t, err, telemetry.ErrRunNotFound)
}

func TestRunStoreAssociateCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)

	err = store.AssociateCommit(ctx, "e1", "https://github.com/o/r", "main", "abc1234")
	require.NoError(t, err)

	fetched, err := store.FetchByEventID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "abc1234", fetched.GitCommitHash)
	assert.Equal(t, "main", fetched.GitBranch)
}

func TestRunStoreAssociateCommitRejectsShortHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)

	err = store.AssociateCommit(ctx, "e1", "https://github.com/o/r", "main", "ab")
	assert.ErrorIs(t, err, telemetry.ErrInvalidCommitHash)
}

func TestRunStoreQueryFiltersByAgentAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testRun("e1")
	a.AgentName = "agent-a"
	a.Status = telemetry.StatusSuccess

	b := testRun("e2")
	b.AgentName = "agent-b"
	b.Status = telemetry.StatusFailure

	_, err := store.Insert(ctx, a)
	require.NoError(t, err)
	_, err = store.Insert(ctx, b)
	require.NoError(t, err)

	runs, err := store.Query(ctx, telemetry.QueryFilter{AgentName: "agent-a"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "e1", runs[0].EventID)

	runs, err = store.Query(ctx, telemetry.QueryFilter{Status: telemetry.StatusFailure})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "e2", runs[0].EventID)
}

func TestRunStoreDistinctValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testRun("e1")
	a.AgentName = "agent-a"

	b := testRun("e2")
	b.AgentName = "agent-b"

	_, err := store.Insert(ctx, a)
	require.NoError(t, err)
	_, err = store.Insert(ctx, b)
	require.NoError(t, err)

	values, err := store.DistinctValues(ctx, "agent_name")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, values)
}

func TestRunStoreDistinctValuesRejectsUnknownColumn(t *testing.T) {
	store := newTestStore(t)

	_, err := store.DistinctValues(context.Background(), "event_id")
	assert.Error(t, err)
}

func TestRunStoreStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, testRun("e1"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, testRun("e2"))
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 2, stats.Recent24h)
	assert.Equal(t, 2, stats.PerAgentCounts["agent-a"])
}

func TestRunStoreDeleteOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testRun("old")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	_, err := store.Insert(ctx, old)
	require.NoError(t, err)
	_, err = store.Insert(ctx, testRun("new"))
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.FetchByEventID(ctx, "old")
	assert.ErrorIs(t, err, telemetry.ErrRunNotFound)

	_, err = store.FetchByEventID(ctx, "new")
	assert.NoError(t, err)
}

func TestRunStoreHealthCheck(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
