package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-run/telemetry/internal/client"
)

func newTestClient(t *testing.T, apiURL string) *client.Client {
	t.Helper()

	cfg := client.LoadConfig()
	cfg.APIBaseURL = apiURL
	cfg.EventLogDir = filepath.Join(t.TempDir(), "events")
	cfg.BufferDir = filepath.Join(t.TempDir(), "buffer")
	cfg.SinkConfigPath = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	return client.New(cfg, nil)
}

func TestTrackRunSuccessPath(t *testing.T) {
	var requests int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	var observedRunID string

	err := c.TrackRun(context.Background(), "test-agent", "lint", "", func(rc *client.RunContext) error {
		observedRunID = rc.RunID
		rc.LogEvent("progress", map[string]interface{}{"percent": 50})
		rc.SetMetrics(10, 9, 1, 0)

		return nil
	})

	require.NoError(t, err)
	assert.NotEmpty(t, observedRunID)
	assert.Equal(t, 0, c.ActiveRunCount())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&requests), int32(2))
}

func TestTrackRunPropagatesScopeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	sentinel := errors.New("boom")

	err := c.TrackRun(context.Background(), "test-agent", "lint", "", func(rc *client.RunContext) error {
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, c.ActiveRunCount(), "registry must be released even on scope failure")
}

func TestTrackRunBuffersOnAPIFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := client.LoadConfig()
	cfg.APIBaseURL = server.URL
	bufferDir := filepath.Join(t.TempDir(), "buffer")
	cfg.BufferDir = bufferDir
	cfg.EventLogDir = filepath.Join(t.TempDir(), "events")
	cfg.SinkConfigPath = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	c := client.New(cfg, nil)

	err := c.TrackRun(context.Background(), "test-agent", "lint", "", func(rc *client.RunContext) error {
		return nil
	})

	require.NoError(t, err, "a failed API post must never surface to the agent")

	entries, err := os.ReadDir(bufferDir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "both start_run and end_run should be buffered")
}
