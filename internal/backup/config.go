package backup

import (
	"context"
	"log/slog"
	"time"

	"github.com/telemetry-run/telemetry/internal/config"
)

// Config controls the background backup schedule.
type Config struct {
	Enabled      bool
	Dir          string
	RetainDays   int
	Interval     time.Duration
	MinFreeBytes int64
}

const (
	defaultRetainDays   = 14
	defaultInterval     = 24 * time.Hour
	defaultMinFreeBytes = 100 * 1024 * 1024 // 100MB
)

// LoadConfig reads TELEMETRY_BACKUP_* environment variables.
func LoadConfig(baseDir string) Config {
	return Config{
		Enabled:      config.GetEnvBool("TELEMETRY_BACKUP_ENABLED", false),
		Dir:          config.GetEnvStr("TELEMETRY_BACKUP_DIR", baseDir+"/backups"),
		RetainDays:   config.GetEnvInt("TELEMETRY_BACKUP_RETAIN_DAYS", defaultRetainDays),
		Interval:     config.GetEnvDuration("TELEMETRY_BACKUP_INTERVAL", defaultInterval),
		MinFreeBytes: config.GetEnvInt64("TELEMETRY_BACKUP_MIN_FREE_BYTES", defaultMinFreeBytes),
	}
}

// RunForever takes a backup on every tick of Interval until ctx is
// cancelled. Intended to be started in its own goroutine.
func (c *Controller) RunForever(ctx context.Context, cfg Config) {
	if !cfg.Enabled {
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Backup(ctx, cfg.RetainDays); err != nil {
				c.logger.Error("scheduled backup failed", slog.Any("error", err))
			}
		}
	}
}
