// Package backup implements the online-backup and restore algorithm
// described by spec.md §4.8: a consistent snapshot of the live database
// taken without stopping writes, verified by an integrity check, retained
// for N days, and a restore path that always leaves a safety copy behind.
package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// ErrIntegrityCheckFailed is returned when PRAGMA integrity_check reports
// anything other than "ok" against a backup or a restored file.
var ErrIntegrityCheckFailed = errors.New("integrity check failed")

// ErrInsufficientDiskSpace is returned when the backup target's free space
// is below the configured minimum.
var ErrInsufficientDiskSpace = errors.New("insufficient free disk space for backup")

const (
	metadataFileName  = "metadata.json"
	dbFileName        = "telemetry.sqlite"
	backupRetries     = 3
	backupRetryDelay  = 2 * time.Second
	backupTimeFormat  = "20060102_150405"
	restorePollPeriod = 500 * time.Millisecond
)

// Metadata is written alongside every backup, per spec.md §4.8 step 5.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	Verified  bool      `json:"verified"`
	Method    string    `json:"method"`
}

// Controller runs backup and restore operations against a single sqlite
// database file.
type Controller struct {
	dbPath    string
	backupDir string
	minFreeB  int64
	logger    *slog.Logger
}

// New builds a Controller. backupDir is the root "backups/" directory
// described in spec.md §6.2; minFreeBytes is the configured free-space
// minimum backups must leave behind.
func New(dbPath, backupDir string, minFreeBytes int64, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{dbPath: dbPath, backupDir: backupDir, minFreeB: minFreeBytes, logger: logger}
}

// Backup runs spec.md §4.8's backup algorithm end to end, returning the
// directory it wrote into.
func (c *Controller) Backup(ctx context.Context, retainDays int) (string, error) {
	if err := c.checkFreeSpace(); err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format(backupTimeFormat)
	dir := filepath.Join(c.backupDir, stamp)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	dest := filepath.Join(dir, dbFileName)

	var snapshotErr error

	for attempt := 1; attempt <= backupRetries; attempt++ {
		snapshotErr = c.snapshot(ctx, dest)
		if snapshotErr == nil {
			break
		}

		c.logger.Warn("backup snapshot attempt failed",
			slog.Int("attempt", attempt), slog.Any("error", snapshotErr))

		if attempt < backupRetries {
			time.Sleep(backupRetryDelay)
		}
	}

	if snapshotErr != nil {
		return "", fmt.Errorf("snapshot database after %d attempts: %w", backupRetries, snapshotErr)
	}

	if err := verifyIntegrity(ctx, dest); err != nil {
		return "", fmt.Errorf("verify backup integrity: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", fmt.Errorf("stat backup file: %w", err)
	}

	meta := Metadata{Timestamp: time.Now().UTC(), SizeBytes: info.Size(), Verified: true, Method: "vacuum_into"}

	if err := writeMetadata(filepath.Join(dir, metadataFileName), meta); err != nil {
		return "", fmt.Errorf("write backup metadata: %w", err)
	}

	if err := c.enforceRetention(retainDays); err != nil {
		c.logger.Warn("failed to enforce backup retention", slog.Any("error", err))
	}

	c.logger.Info("backup complete", slog.String("dir", dir), slog.Int64("size_bytes", info.Size()))

	return dir, nil
}

// snapshot takes an online, consistent copy of the live database using
// sqlite's own VACUUM INTO statement: the pure-Go modernc.org/sqlite driver
// doesn't expose a separate Backup() API the way cgo-based drivers do, but
// VACUUM INTO is sqlite's own online-backup mechanism and produces the same
// guarantee (a consistent snapshot without stopping writers).
func (c *Controller) snapshot(ctx context.Context, dest string) error {
	_ = os.Remove(dest)

	db, err := sql.Open("sqlite", c.dbPath)
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}

	return nil
}

func verifyIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("run integrity_check: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrIntegrityCheckFailed, result)
	}

	return nil
}

func writeMetadata(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return os.WriteFile(path, data, 0o640) //nolint:mnd
}

// enforceRetention deletes backup directories older than retainDays,
// identified by their YYYYMMDD_HHMMSS directory name.
func (c *Controller) enforceRetention(retainDays int) error {
	entries, err := os.ReadDir(c.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("read backup dir: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retainDays)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		stamp, err := time.Parse(backupTimeFormat, name)
		if err != nil {
			continue // not a backup directory we manage (e.g. safety_backups/)
		}

		if stamp.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(c.backupDir, name)); err != nil {
				return fmt.Errorf("remove expired backup %s: %w", name, err)
			}
		}
	}

	return nil
}

func (c *Controller) checkFreeSpace() error {
	if c.minFreeB <= 0 {
		return nil
	}

	if err := os.MkdirAll(c.backupDir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(c.backupDir, &stat); err != nil {
		return fmt.Errorf("statfs: %w", err)
	}

	free := int64(stat.Bavail) * int64(stat.Bsize) //nolint:gosec,unconvert // disk sizes fit comfortably in int64
	if free < c.minFreeB {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientDiskSpace, free, c.minFreeB)
	}

	return nil
}

// copyFile is a plain byte-for-byte copy, used by Restore to move a backup
// or safety-backup file into place (no VACUUM INTO involved: the source is
// already a verified, static file, not a live database).
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // paths are service-internal, not user-supplied
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	return out.Sync()
}
