package client

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// mirrorRetrySchedule is the bounded retry schedule spec.md §4.6.6 fixes:
// 1s, 2s, 4s, then give up. The caller is never blocked past this.
var mirrorRetrySchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// mirror posts a finished run to an optional external sink (e.g. a
// spreadsheet webhook) on a bounded schedule, fire-and-forget: it must
// never raise to the caller, and its only visible effect on success/failure
// is the api_posted/api_posted_at/api_retry_count bookkeeping on the run
// passed to it.
type mirror struct {
	httpClient *http.Client
	authToken  string
	logger     *slog.Logger
}

func newMirror(authToken string, logger *slog.Logger) *mirror {
	return &mirror{
		httpClient: &http.Client{Timeout: 5 * time.Second}, //nolint:mnd
		authToken:  authToken,
		logger:     logger,
	}
}

// send runs the bounded retry schedule synchronously but within the
// schedule's own bound (at most 1+2+4=7s beyond the POST timeouts). Callers
// that want true fire-and-forget should invoke this in its own goroutine;
// the client wires that up in lifecycle.go.
func (m *mirror) send(ctx context.Context, url string, run *telemetry.Run) {
	if url == "" {
		return
	}

	data, err := json.Marshal(run)
	if err != nil {
		m.logger.Warn("failed to marshal run for external mirror", slog.Any("error", err))

		return
	}

	for attempt, delay := range append([]time.Duration{0}, mirrorRetrySchedule...) {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		if m.attempt(ctx, url, data) {
			now := time.Now()
			run.APIPosted = true
			run.APIPostedAt = &now

			return
		}

		run.APIRetryCount++
	}

	m.logger.Warn("external mirror exhausted its retry schedule",
		slog.String("event_id", run.EventID), slog.Int("attempts", len(mirrorRetrySchedule)+1))
}

func (m *mirror) attempt(ctx context.Context, url string, data []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return false
	}

	req.Header.Set("Content-Type", "application/json")

	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode < http.StatusBadRequest
}
