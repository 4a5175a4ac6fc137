// Package retention implements the time-based row deletion and space
// reclaim sweep described by spec.md §4.7: delete runs older than a
// configured cutoff in bounded batches, then VACUUM once to shrink the
// database file.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/telemetry-run/telemetry/internal/storage"
)

// defaultBatchSize bounds how many rows a single DELETE statement removes,
// per spec.md §4.7 step 3's "≤10k rows/batch" example.
const defaultBatchSize = 10_000

// Stats is a snapshot of the runs table taken before or after a sweep.
type Stats struct {
	TotalRuns  int       `json:"total_runs"`
	FileSizeB  int64     `json:"file_size_bytes"`
	OldestRun  time.Time `json:"oldest_run,omitempty"`
	NewestRun  time.Time `json:"newest_run,omitempty"`
}

// Report is the run report spec.md §4.7 step 5 calls for.
type Report struct {
	DryRun       bool      `json:"dry_run"`
	CutoffTime   time.Time `json:"cutoff_time"`
	DeletedRows  int       `json:"deleted_rows"`
	WouldDelete  int       `json:"would_delete,omitempty"`
	Before       Stats     `json:"before"`
	After        Stats     `json:"after,omitempty"`
	Reclaimed    bool      `json:"reclaimed"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Controller runs the retention sweep against a RunStore and the sqlite
// file backing it.
type Controller struct {
	store  *storage.RunStore
	dbPath string
	logger *slog.Logger
}

// New builds a Controller. dbPath is the sqlite file's on-disk path, used
// to stat its size before/after the sweep.
func New(store *storage.RunStore, dbPath string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{store: store, dbPath: dbPath, logger: logger}
}

// Options configures a single sweep invocation.
type Options struct {
	DaysToKeep int
	DryRun     bool
	BatchSize  int
}

// Run executes spec.md §4.7's algorithm: snapshot before-stats, delete in
// bounded batches (or just count, in dry-run mode), reclaim space once, and
// snapshot after-stats. Each delete batch commits on its own, so a deletion
// error leaves the earlier batches deleted: the error surfaces immediately,
// and the before-stats and whatever was deleted so far are still reported.
func (c *Controller) Run(ctx context.Context, opts Options) (Report, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -opts.DaysToKeep)

	report := Report{DryRun: opts.DryRun, CutoffTime: cutoff, StartedAt: time.Now().UTC()}

	before, err := c.snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("before-stats: %w", err)
	}

	report.Before = before

	if opts.DryRun {
		count, err := c.store.CountOlderThan(ctx, cutoff)
		if err != nil {
			return report, fmt.Errorf("dry-run count: %w", err)
		}

		report.WouldDelete = count
		report.FinishedAt = time.Now().UTC()

		c.logger.Info("retention dry-run complete",
			slog.Int("would_delete", count), slog.Time("cutoff", cutoff))

		return report, nil
	}

	deleted, deleteErr := c.store.DeleteOlderThan(ctx, cutoff, batchSize)
	report.DeletedRows = deleted

	if deleteErr != nil {
		c.logger.Error("retention delete failed partway through",
			slog.Int("deleted_before_error", deleted), slog.Any("error", deleteErr))

		return report, fmt.Errorf("delete older than cutoff: %w", deleteErr)
	}

	if err := c.store.ReclaimSpace(ctx); err != nil {
		return report, fmt.Errorf("reclaim space: %w", err)
	}

	report.Reclaimed = true

	after, err := c.snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("after-stats: %w", err)
	}

	report.After = after
	report.FinishedAt = time.Now().UTC()

	c.logger.Info("retention sweep complete",
		slog.Int("deleted_rows", deleted),
		slog.Int64("file_size_before", before.FileSizeB),
		slog.Int64("file_size_after", after.FileSizeB),
	)

	return report, nil
}

func (c *Controller) snapshot(ctx context.Context) (Stats, error) {
	var stats Stats

	runStats, err := c.store.Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("run counts: %w", err)
	}

	stats.TotalRuns = runStats.TotalRuns

	oldest, newest, err := c.store.CreatedAtRange(ctx)
	if err != nil {
		return stats, fmt.Errorf("created_at range: %w", err)
	}

	stats.OldestRun = oldest
	stats.NewestRun = newest

	if info, err := os.Stat(c.dbPath); err == nil {
		stats.FileSizeB = info.Size()
	}

	return stats, nil
}
