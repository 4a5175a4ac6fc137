package retention

import (
	"context"
	"time"

	"github.com/telemetry-run/telemetry/internal/config"
)

// Config controls the background retention sweep's schedule.
type Config struct {
	Enabled    bool
	DaysToKeep int
	Interval   time.Duration
	DryRun     bool
}

const (
	defaultDaysToKeep = 90
	defaultInterval   = 24 * time.Hour
)

// LoadConfig reads TELEMETRY_RETENTION_* environment variables.
func LoadConfig() Config {
	return Config{
		Enabled:    config.GetEnvBool("TELEMETRY_RETENTION_ENABLED", false),
		DaysToKeep: config.GetEnvInt("TELEMETRY_RETENTION_DAYS", defaultDaysToKeep),
		Interval:   config.GetEnvDuration("TELEMETRY_RETENTION_INTERVAL", defaultInterval),
		DryRun:     config.GetEnvBool("TELEMETRY_RETENTION_DRY_RUN", false),
	}
}

// RunForever invokes a sweep on every tick of Interval until ctx is
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
			report, err := c.Run(ctx, Options{DaysToKeep: cfg.DaysToKeep, DryRun: cfg.DryRun})
			if err != nil {
				c.logger.Error("retention sweep failed", "error", err)

				continue
			}

			c.logger.Info("retention sweep finished",
				"deleted_rows", report.DeletedRows, "would_delete", report.WouldDelete)
		}
	}
}
