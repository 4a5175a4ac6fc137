package retention_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-run/telemetry/internal/retention"
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

func newTestController(t *testing.T) (*retention.Controller, *storage.RunStore, string) {
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

	return retention.New(store, dbPath, nil), store, dbPath
}

func insertRunAt(t *testing.T, store *storage.RunStore, eventID string, createdAt time.Time) {
	t.Helper()

	run := &telemetry.Run{
		EventID:   eventID,
		RunID:     "run-" + eventID,
		AgentName: "agent-a",
		JobType:   "scrape",
		StartTime: createdAt,
		Status:    telemetry.StatusSuccess,
	}

	_, err := store.Insert(context.Background(), run)
	require.NoError(t, err)

	err = store.UpdateFields(context.Background(), eventID, map[string]interface{}{
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
}

func TestControllerDryRunOnlyCounts(t *testing.T) {
	controller, store, _ := newTestController(t)
	ctx := context.Background()

	insertRunAt(t, store, "old-1", time.Now().UTC().AddDate(0, 0, -40))
	insertRunAt(t, store, "recent-1", time.Now().UTC())

	report, err := controller.Run(ctx, retention.Options{DaysToKeep: 30, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.WouldDelete)
	assert.Equal(t, 0, report.DeletedRows)
	assert.False(t, report.Reclaimed)

	runStats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, runStats.TotalRuns, "dry-run must not delete anything")
}

func TestControllerDeletesAndReclaims(t *testing.T) {
	controller, store, _ := newTestController(t)
	ctx := context.Background()

	insertRunAt(t, store, "old-1", time.Now().UTC().AddDate(0, 0, -40))
	insertRunAt(t, store, "old-2", time.Now().UTC().AddDate(0, 0, -35))
	insertRunAt(t, store, "recent-1", time.Now().UTC())

	report, err := controller.Run(ctx, retention.Options{DaysToKeep: 30})
	require.NoError(t, err)

	assert.Equal(t, 2, report.DeletedRows)
	assert.True(t, report.Reclaimed)
	assert.Equal(t, 1, report.After.TotalRuns)

	runStats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runStats.TotalRuns)
}
