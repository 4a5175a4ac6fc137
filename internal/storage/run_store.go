package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// Compile-time interface assertion: RunStore must satisfy telemetry.Store.
// Catches drift between this implementation and the interface contract at
// build time rather than at the first failed call.
var _ telemetry.Store = (*RunStore)(nil)

// ErrRunStoreFailed wraps unexpected sqlite failures that aren't covered by
// a more specific sentinel error.
var ErrRunStoreFailed = errors.New("run storage operation failed")

const runsTable = "agent_runs"

// RunStore implements telemetry.Store against the embedded sqlite engine.
// It is the single point in the process that issues writes against
// agent_runs, matching the single-writer guard enforced at process start.
type RunStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRunStore creates a RunStore backed by conn. Returns an error if conn is
// nil: every operation below assumes a live connection.
func NewRunStore(conn *Connection) (*RunStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil connection", ErrRunStoreFailed)
	}

	return &RunStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: getEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck delegates to the underlying connection.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

var insertColumns = []string{
	"event_id", "run_id", "created_at", "updated_at", "start_time", "end_time",
	"agent_name", "job_type", "status", "duration_ms",
	"items_discovered", "items_succeeded", "items_failed", "items_skipped",
	"input_summary", "output_summary", "error_summary", "error_details",
	"source_ref", "target_ref",
	"product", "product_family", "platform", "subdomain",
	"website", "website_section", "item_name",
	"git_repo", "git_branch", "git_commit_hash", "git_run_tag",
	"git_commit_source", "git_commit_author", "git_commit_timestamp",
	"host", "environment", "trigger_type",
	"metrics_json", "context_json",
	"api_posted", "api_posted_at", "api_retry_count",
	"insight_id", "parent_run_id",
}

// Insert stores a single Run. Returns InsertOutcome.Duplicate=true instead
// of an error when event_id already exists - spec.md §8.1's idempotency law
// treats replays as success, not conflict.
func (s *RunStore) Insert(ctx context.Context, run *telemetry.Run) (telemetry.InsertOutcome, error) {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	args, err := runInsertArgs(run)
	if err != nil {
		return telemetry.InsertOutcome{}, err
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		runsTable, strings.Join(insertColumns, ", "), placeholders(len(insertColumns)),
	)

	_, err = s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return telemetry.InsertOutcome{Duplicate: true}, nil
		}

		return telemetry.InsertOutcome{}, fmt.Errorf("%w: insert run: %w", ErrRunStoreFailed, err)
	}

	return telemetry.InsertOutcome{Created: true}, nil
}

// BatchInsert stores each run in runs using its own statement so that one
// malformed row doesn't abort the rest of the batch - the partial-success
// contract spec.md §4.5.1 requires for POST /api/v1/runs/batch.
func (s *RunStore) BatchInsert(ctx context.Context, runs []*telemetry.Run) (telemetry.BatchResult, error) {
	result := telemetry.BatchResult{Total: len(runs), Errors: make([]error, len(runs))}

	for i, run := range runs {
		outcome, err := s.Insert(ctx, run)
		if err != nil {
			result.Errors[i] = err

			continue
		}

		if outcome.Duplicate {
			result.Duplicates++
		} else {
			result.Inserted++
		}
	}

	return result, nil
}

// UpdateFields applies a partial patch to the run identified by eventID.
// patch is expected to already be filtered through telemetry.Validator -
// this layer trusts its keys are valid column names.
func (s *RunStore) UpdateFields(ctx context.Context, eventID string, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return telemetry.ErrEmptyPatch
	}

	setClauses := make([]string, 0, len(patch)+1)
	args := make([]interface{}, 0, len(patch)+2)

	for col, val := range patch {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, patchValue(col, val))
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, eventID)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE event_id = ?",
		runsTable, strings.Join(setClauses, ", "),
	)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update run %s: %w", ErrRunStoreFailed, eventID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrRunStoreFailed, err)
	}

	if affected == 0 {
		return telemetry.ErrRunNotFound
	}

	return nil
}

// FetchByEventID retrieves a single run. Returns telemetry.ErrRunNotFound if
// no row matches.
func (s *RunStore) FetchByEventID(ctx context.Context, eventID string) (*telemetry.Run, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE event_id = ?", strings.Join(selectColumns, ", "), runsTable)

	row := s.conn.QueryRowContext(ctx, query, eventID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, telemetry.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: fetch run %s: %w", ErrRunStoreFailed, eventID, err)
	}

	return run, nil
}

// Query lists runs matching filter, building a dynamic WHERE clause so that
// callers only pay for the predicates they actually set. Starting the clause
// with "1 = 1" keeps every subsequent predicate a uniform "AND col = ?"
// instead of needing to special-case the first one.
func (s *RunStore) Query(ctx context.Context, filter telemetry.QueryFilter) ([]*telemetry.Run, error) {
	clause := strings.Builder{}
	clause.WriteString("1 = 1")

	args := make([]interface{}, 0)

	if filter.AgentName != "" {
		clause.WriteString(" AND agent_name = ?")
		args = append(args, filter.AgentName)
	}

	if filter.Status != "" {
		clause.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}

	if filter.JobType != "" {
		clause.WriteString(" AND job_type = ?")
		args = append(args, filter.JobType)
	}

	if !filter.CreatedAfter.IsZero() {
		clause.WriteString(" AND created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}

	if !filter.CreatedBefore.IsZero() {
		clause.WriteString(" AND created_at < ?")
		args = append(args, filter.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}

	if !filter.StartedAfter.IsZero() {
		clause.WriteString(" AND start_time >= ?")
		args = append(args, filter.StartedAfter.UTC().Format(time.RFC3339Nano))
	}

	if !filter.StartedBefore.IsZero() {
		clause.WriteString(" AND start_time < ?")
		args = append(args, filter.StartedBefore.UTC().Format(time.RFC3339Nano))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?",
		strings.Join(selectColumns, ", "), runsTable, clause.String(),
	)
	args = append(args, limit, filter.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query runs: %w", ErrRunStoreFailed, err)
	}
	defer rows.Close()

	var runs []*telemetry.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan run row: %w", ErrRunStoreFailed, err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// AssociateCommit attaches git commit metadata to an existing run - the
// dedicated endpoint spec.md §4.5.1 exposes for agents that learn their
// commit hash only after the run has already been reported.
func (s *RunStore) AssociateCommit(ctx context.Context, eventID, repo, branch, hash string) error {
	if err := telemetry.ValidateCommitHash(hash); err != nil {
		return err
	}

	return s.UpdateFields(ctx, eventID, map[string]interface{}{
		"git_repo":        repo,
		"git_branch":      branch,
		"git_commit_hash": hash,
	})
}

// DistinctValues returns the distinct values seen for column across all
// runs, used to populate the metadata endpoint's faceted filter lists.
func (s *RunStore) DistinctValues(ctx context.Context, column string) ([]string, error) {
	if !settableOrKeyColumn(column) {
		return nil, fmt.Errorf("%w: %s is not a recognized column", ErrRunStoreFailed, column)
	}

	query := fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s WHERE %s != '' ORDER BY %s", column, runsTable, column, column,
	)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: distinct %s: %w", ErrRunStoreFailed, column, err)
	}
	defer rows.Close()

	var values []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: scan distinct value: %w", ErrRunStoreFailed, err)
		}

		values = append(values, v)
	}

	return values, rows.Err()
}

// Stats computes aggregate counters for the operational metadata endpoint.
func (s *RunStore) Stats(ctx context.Context) (telemetry.Stats, error) {
	var stats telemetry.Stats

	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+runsTable).Scan(&stats.TotalRuns); err != nil {
		return stats, fmt.Errorf("%w: total runs: %w", ErrRunStoreFailed, err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
	if err := s.conn.QueryRowContext(
		ctx, "SELECT COUNT(*) FROM "+runsTable+" WHERE created_at > ?", cutoff,
	).Scan(&stats.Recent24h); err != nil {
		return stats, fmt.Errorf("%w: recent runs: %w", ErrRunStoreFailed, err)
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT agent_name, COUNT(*) FROM "+runsTable+" GROUP BY agent_name")
	if err != nil {
		return stats, fmt.Errorf("%w: per-agent counts: %w", ErrRunStoreFailed, err)
	}
	defer rows.Close()

	stats.PerAgentCounts = make(map[string]int)

	for rows.Next() {
		var (
			agent string
			count int
		)

		if err := rows.Scan(&agent, &count); err != nil {
			return stats, fmt.Errorf("%w: scan per-agent row: %w", ErrRunStoreFailed, err)
		}

		stats.PerAgentCounts[agent] = count
	}

	return stats, rows.Err()
}

// CreatedAtRange reports the oldest and newest created_at timestamps across
// all runs, used by the retention controller's before/after stats report.
// Returns zero times when the table is empty.
func (s *RunStore) CreatedAtRange(ctx context.Context) (oldest, newest time.Time, err error) {
	var (
		minStr, maxStr sql.NullString
	)

	row := s.conn.QueryRowContext(ctx, "SELECT MIN(created_at), MAX(created_at) FROM "+runsTable)
	if err := row.Scan(&minStr, &maxStr); err != nil {
		return oldest, newest, fmt.Errorf("%w: created_at range: %w", ErrRunStoreFailed, err)
	}

	if minStr.Valid {
		oldest, _ = time.Parse(time.RFC3339Nano, minStr.String)
	}

	if maxStr.Valid {
		newest, _ = time.Parse(time.RFC3339Nano, maxStr.String)
	}

	return oldest, newest, nil
}

// CountOlderThan reports how many runs would be removed by DeleteOlderThan
// for the same cutoff, without deleting anything. Used by the retention
// controller's dry-run mode, which performs only counting.
func (s *RunStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var count int

	err := s.conn.QueryRowContext(
		ctx, "SELECT COUNT(*) FROM "+runsTable+" WHERE created_at < ?", cutoff.UTC().Format(time.RFC3339Nano),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count older than %s: %w", ErrRunStoreFailed, cutoff, err)
	}

	return count, nil
}

// DeleteOlderThan removes runs whose created_at predates cutoff, in batches
// of batchSize rows per statement so retention sweeps never hold the
// single writer connection for an unbounded transaction.
func (s *RunStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE event_id IN (SELECT event_id FROM %s WHERE created_at < ? LIMIT ?)",
		runsTable, runsTable,
	)

	total := 0

	for {
		res, err := s.conn.ExecContext(ctx, query, cutoff.UTC().Format(time.RFC3339Nano), batchSize)
		if err != nil {
			return total, fmt.Errorf("%w: delete older than %s: %w", ErrRunStoreFailed, cutoff, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("%w: rows affected: %w", ErrRunStoreFailed, err)
		}

		total += int(affected)

		if affected < int64(batchSize) {
			break
		}

		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	return total, nil
}

// ReclaimSpace runs VACUUM to shrink the database file after a retention
// sweep. VACUUM holds an exclusive lock, so callers should only invoke this
// outside the request path.
func (s *RunStore) ReclaimSpace(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("%w: vacuum: %w", ErrRunStoreFailed, err)
	}

	return nil
}

// placeholders builds a "?, ?, ..." fragment of length n.
func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}

	return strings.Join(parts, ", ")
}

// isUniqueConstraintError reports whether err came from sqlite rejecting a
// duplicate UNIQUE column value (event_id in our schema).
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// settableOrKeyColumn guards DistinctValues against SQL injection via the
// column parameter: only identifiers present in the schema are accepted,
// since they can't be passed as bind parameters.
func settableOrKeyColumn(column string) bool {
	switch column {
	case "agent_name", "job_type", "status", "product", "product_family",
		"platform", "subdomain", "environment", "trigger_type", "git_commit_source":
		return true
	default:
		return false
	}
}

// patchValue converts a patch value into the representation stored on disk.
// time.Time and map values are serialized to their on-disk text form; plain
// scalars pass through unchanged.
func patchValue(col string, val interface{}) interface{} {
	switch v := val.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case map[string]interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}

		return string(b)
	default:
		_ = col

		return val
	}
}

// runInsertArgs marshals a Run into the positional arguments matching
// insertColumns, in the same order.
func runInsertArgs(run *telemetry.Run) ([]interface{}, error) {
	metricsJSON, err := marshalJSONMap(run.MetricsJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal metrics_json: %w", ErrRunStoreFailed, err)
	}

	contextJSON, err := marshalJSONMap(run.ContextJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal context_json: %w", ErrRunStoreFailed, err)
	}

	return []interface{}{
		run.EventID, run.RunID,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), run.UpdatedAt.UTC().Format(time.RFC3339Nano),
		run.StartTime.UTC().Format(time.RFC3339Nano), nullableTime(run.EndTime),
		run.AgentName, run.JobType, string(run.Status), run.DurationMs,
		run.ItemsDiscovered, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped,
		run.InputSummary, run.OutputSummary, run.ErrorSummary, run.ErrorDetails,
		run.SourceRef, run.TargetRef,
		run.Product, run.ProductFamily, run.Platform, run.Subdomain,
		run.Website, run.WebsiteSection, run.ItemName,
		run.GitRepo, run.GitBranch, run.GitCommitHash, run.GitRunTag,
		string(run.GitCommitSource), run.GitCommitAuthor, run.GitCommitTimestamp,
		run.Host, run.Environment, run.TriggerType,
		metricsJSON, contextJSON,
		run.APIPosted, nullableTime(run.APIPostedAt), run.APIRetryCount,
		run.InsightID, run.ParentRunID,
	}, nil
}

func marshalJSONMap(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}

	if m, ok := v.(map[string]interface{}); ok && len(m) == 0 {
		return "{}", nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return t.UTC().Format(time.RFC3339Nano)
}

var selectColumns = insertColumns

// rowScanner abstracts over *sql.Row and *sql.Rows so scanRun can serve
// both FetchByEventID and Query.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRun reads one row (in selectColumns order) into a telemetry.Run.
func scanRun(row rowScanner) (*telemetry.Run, error) {
	var (
		run                                     telemetry.Run
		createdAt, updatedAt, startTime          string
		endTime, apiPostedAt                     sql.NullString
		status, gitCommitSource                  string
		metricsJSON, contextJSON                 string
	)

	err := row.Scan(
		&run.EventID, &run.RunID,
		&createdAt, &updatedAt,
		&startTime, &endTime,
		&run.AgentName, &run.JobType, &status, &run.DurationMs,
		&run.ItemsDiscovered, &run.ItemsSucceeded, &run.ItemsFailed, &run.ItemsSkipped,
		&run.InputSummary, &run.OutputSummary, &run.ErrorSummary, &run.ErrorDetails,
		&run.SourceRef, &run.TargetRef,
		&run.Product, &run.ProductFamily, &run.Platform, &run.Subdomain,
		&run.Website, &run.WebsiteSection, &run.ItemName,
		&run.GitRepo, &run.GitBranch, &run.GitCommitHash, &run.GitRunTag,
		&gitCommitSource, &run.GitCommitAuthor, &run.GitCommitTimestamp,
		&run.Host, &run.Environment, &run.TriggerType,
		&metricsJSON, &contextJSON,
		&run.APIPosted, &apiPostedAt, &run.APIRetryCount,
		&run.InsightID, &run.ParentRunID,
	)
	if err != nil {
		return nil, err
	}

	run.Status = telemetry.Status(status)
	run.GitCommitSource = telemetry.GitCommitSource(gitCommitSource)

	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	if run.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}

	if endTime.Valid {
		t, err := time.Parse(time.RFC3339Nano, endTime.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_time: %w", err)
		}

		run.EndTime = &t
	}

	if apiPostedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, apiPostedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse api_posted_at: %w", err)
		}

		run.APIPostedAt = &t
	}

	// A malformed JSON column never fails the read: the raw string is kept
	// alongside a *ParseError sibling so callers can still see every other
	// column instead of losing the whole row to a 500.
	if metricsJSON != "" && metricsJSON != "{}" {
		if err := json.Unmarshal([]byte(metricsJSON), &run.MetricsJSON); err != nil {
			run.MetricsJSON = metricsJSON
			run.MetricsJSONParseError = err.Error()
		}
	}

	if contextJSON != "" && contextJSON != "{}" {
		if err := json.Unmarshal([]byte(contextJSON), &run.ContextJSON); err != nil {
			run.ContextJSON = contextJSON
			run.ContextJSONParseError = err.Error()
		}
	}

	return &run, nil
}
