package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// eventLog appends one JSON line per lifecycle event to a day-partitioned
// events_YYYYMMDD.ndjson file, per spec.md §4.6.5 step 1. Writes here are
// the disaster-recovery backup and must be attempted on every path; a
// failure is logged and swallowed, never propagated.
type eventLog struct {
	dir string
	mu  sync.Mutex
}

func newEventLog(dir string) *eventLog {
	return &eventLog{dir: dir}
}

// append writes one ndjson line to today's file (UTC). Errors are logged
// and swallowed: an event-log failure must never block the caller.
func (l *eventLog) append(event map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		slog.Warn("failed to create event log directory", slog.String("dir", l.dir), slog.Any("error", err))

		return
	}

	path := filepath.Join(l.dir, fmt.Sprintf("events_%s.ndjson", time.Now().UTC().Format("20060102")))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:mnd
	if err != nil {
		slog.Warn("failed to open event log file", slog.String("path", path), slog.Any("error", err))

		return
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to marshal event for event log", slog.Any("error", err))

		return
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("failed to append to event log file", slog.String("path", path), slog.Any("error", err))
	}
}
