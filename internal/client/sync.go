package client

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// syncWorker periodically drains the durable buffer, retrying each pending
// event against the ingestion API with bounded exponential backoff per
// spec.md §4.6.5. Because every event carries its own event_id, a replay
// the server has already absorbed is just an idempotent no-op on its side.
type syncWorker struct {
	buffer     *buffer
	api        *apiClient
	interval   time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger

	attempts   map[string]int
	nextRetry  map[string]time.Time
}

func newSyncWorker(buf *buffer, api *apiClient, interval, maxBackoff time.Duration, logger *slog.Logger) *syncWorker {
	return &syncWorker{
		buffer:     buf,
		api:        api,
		interval:   interval,
		maxBackoff: maxBackoff,
		logger:     logger,
		attempts:   make(map[string]int),
		nextRetry:  make(map[string]time.Time),
	}
}

// run blocks, scanning the buffer on every tick, until ctx is cancelled.
// Intended to be started in its own goroutine by Client.Start.
func (w *syncWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *syncWorker) drain(ctx context.Context) {
	names, err := w.buffer.list()
	if err != nil {
		w.logger.Warn("failed to list buffer directory", slog.Any("error", err))

		return
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}

		w.retryOne(ctx, name)
	}
}

func (w *syncWorker) retryOne(ctx context.Context, name string) {
	if due, scheduled := w.nextRetry[name]; scheduled && time.Now().Before(due) {
		return
	}

	event, err := w.buffer.read(name)
	if err != nil {
		w.logger.Warn("failed to read buffered event, skipping", slog.String("file", name), slog.Any("error", err))

		return
	}

	var postErr error

	switch event.Operation {
	case "end_run":
		postErr = w.api.postEndRun(ctx, event.Run)
	default:
		postErr = w.api.postStartRun(ctx, event.Run)
	}

	if postErr != nil {
		w.attempts[name]++
		w.nextRetry[name] = time.Now().Add(w.backoffFor(w.attempts[name]))

		w.logger.Debug("buffered event retry failed, will retry later",
			slog.String("file", name), slog.Int("attempt", w.attempts[name]), slog.Any("error", postErr))

		return
	}

	delete(w.attempts, name)
	delete(w.nextRetry, name)

	if err := w.buffer.remove(name); err != nil {
		w.logger.Warn("failed to remove buffer file after successful replay",
			slog.String("file", name), slog.Any("error", err))
	}
}

// backoffFor returns the exponential delay before the next retry given how
// many attempts have already failed, capped at maxBackoff. This is an
// in-memory, best-effort schedule: a process restart resets it to "due
// immediately", which is safe since every retry is idempotent server-side.
func (w *syncWorker) backoffFor(attempts int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if backoff > w.maxBackoff {
		return w.maxBackoff
	}

	return backoff
}
