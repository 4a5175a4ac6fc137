package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/telemetry-run/telemetry/internal/telemetry"
)

// ErrAPIUnavailable marks a POST failure spec.md §4.6.5 step 3 calls
// "API-unavailable": a network failure, a 5xx response, or a timeout. A 4xx
// response returns a different error. dualWrite enqueues every POST failure
// to the durable buffer, whichever of the two it is.
var ErrAPIUnavailable = errors.New("ingestion api unavailable")

type apiClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func newAPIClient(baseURL, authToken string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// postStartRun POSTs a newly started run to /api/v1/runs.
func (c *apiClient) postStartRun(ctx context.Context, run *telemetry.Run) error {
	return c.post(ctx, "/api/v1/runs", run)
}

// postEndRun PATCHes the run's terminal fields to /api/v1/runs/{event_id}.
func (c *apiClient) postEndRun(ctx context.Context, run *telemetry.Run) error {
	patch := map[string]interface{}{
		"status":        run.Status,
		"end_time":      run.EndTime,
		"duration_ms":   run.DurationMs,
		"error_summary": run.ErrorSummary,
		"error_details": run.ErrorDetails,

		"items_discovered": run.ItemsDiscovered,
		"items_succeeded":  run.ItemsSucceeded,
		"items_failed":     run.ItemsFailed,
		"items_skipped":    run.ItemsSkipped,
	}

	return c.patch(ctx, fmt.Sprintf("/api/v1/runs/%s", run.EventID), patch)
}

func (c *apiClient) post(ctx context.Context, path string, body interface{}) error {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) patch(ctx context.Context, path string, body interface{}) error {
	return c.do(ctx, http.MethodPatch, path, body)
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAPIUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrAPIUnavailable, resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("ingestion api rejected request: status %d", resp.StatusCode)
	}

	return nil
}
