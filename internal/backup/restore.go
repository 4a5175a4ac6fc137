package backup

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HealthChecker is satisfied by anything that can answer "is the service
// healthy", used by Restore to poll the server back up after swapping the
// database file. The real implementation is an HTTP GET against /health.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// HTTPHealthChecker polls a /health endpoint over HTTP.
type HTTPHealthChecker struct {
	URL        string
	HTTPClient *http.Client
}

// Healthy reports whether the endpoint responds 200 OK.
func (h *HTTPHealthChecker) Healthy(ctx context.Context) bool {
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// RestoreOptions configures a single restore invocation.
type RestoreOptions struct {
	// BackupPath is the sqlite file to restore from (a verified backup).
	BackupPath string
	// StopService releases the single-writer lock and stops serving
	// requests; the caller supplies this since the controller has no
	// direct handle on the running server.
	StopService func() error
	// StartService reacquires the lock and resumes serving requests.
	StartService func() error
	// Health polls the restarted service until it reports healthy.
	Health HealthChecker
	// HealthTimeout bounds how long Restore waits for Health to turn
	// healthy before treating the restore as failed.
	HealthTimeout time.Duration
	// AutoRollback controls what happens when the restored file fails its
	// post-restore integrity check: true rolls back to the safety backup
	// automatically (the default for unattended/automation use), false
	// leaves the broken file in place for an operator to inspect.
	AutoRollback bool
}

// Restore runs spec.md §4.8's restore algorithm: verify the backup,
// snapshot the live file into safety_backups/, swap the database file in,
// restart the service, and poll health. A post-restore integrity failure
// rolls back to the safety backup when AutoRollback is set.
func (c *Controller) Restore(ctx context.Context, opts RestoreOptions) error {
	if err := verifyIntegrity(ctx, opts.BackupPath); err != nil {
		return fmt.Errorf("backup file failed integrity check, refusing to restore: %w", err)
	}

	safetyDir := filepath.Join(c.backupDir, "safety_backups", "pre_restore_"+time.Now().UTC().Format(backupTimeFormat))
	if err := os.MkdirAll(safetyDir, 0o750); err != nil {
		return fmt.Errorf("create safety backup directory: %w", err)
	}

	safetyPath := filepath.Join(safetyDir, dbFileName)
	if err := copyFile(c.dbPath, safetyPath); err != nil {
		return fmt.Errorf("snapshot live database into safety backup: %w", err)
	}

	c.logger.Info("safety backup created", slog.String("path", safetyPath))

	if err := opts.StopService(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}

	if err := c.swapInPlace(opts.BackupPath); err != nil {
		// Best-effort: try to resume the original service even though the
		// swap failed, so a bad restore doesn't also take the service down.
		_ = opts.StartService()

		return fmt.Errorf("swap database file: %w", err)
	}

	if err := opts.StartService(); err != nil {
		return fmt.Errorf("start service after restore: %w", err)
	}

	if !c.waitHealthy(ctx, opts.Health, opts.HealthTimeout) {
		return c.handleFailedRestore(opts, safetyPath, fmt.Errorf("service did not become healthy after restore"))
	}

	if err := verifyIntegrity(ctx, c.dbPath); err != nil {
		return c.handleFailedRestore(opts, safetyPath, err)
	}

	c.logger.Info("restore complete", slog.String("from", opts.BackupPath))

	return nil
}

// swapInPlace replaces the live database file with src and removes any
// stale journal/sidecar files the DELETE-journal mode may have left behind.
func (c *Controller) swapInPlace(src string) error {
	if err := copyFile(src, c.dbPath); err != nil {
		return err
	}

	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		_ = os.Remove(c.dbPath + suffix)
	}

	return nil
}

func (c *Controller) waitHealthy(ctx context.Context, health HealthChecker, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if health.Healthy(ctx) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(restorePollPeriod):
		}
	}

	return false
}

// handleFailedRestore implements the rollback half of spec.md §4.8 step 6:
// automation defaults to rolling back to the safety backup; interactive use
// can set AutoRollback=false to leave the broken file for inspection.
func (c *Controller) handleFailedRestore(opts RestoreOptions, safetyPath string, cause error) error {
	if !opts.AutoRollback {
		return fmt.Errorf("restore failed post-check, safety backup retained at %s for manual rollback: %w",
			safetyPath, cause)
	}

	c.logger.Error("restore failed post-check, rolling back to safety backup", slog.Any("error", cause))

	if err := opts.StopService(); err != nil {
		return fmt.Errorf("stop service for rollback: %w", err)
	}

	if err := c.swapInPlace(safetyPath); err != nil {
		return fmt.Errorf("roll back to safety backup: %w", err)
	}

	if err := opts.StartService(); err != nil {
		return fmt.Errorf("restart service after rollback: %w", err)
	}

	return fmt.Errorf("restore failed, rolled back to safety backup: %w", cause)
}
