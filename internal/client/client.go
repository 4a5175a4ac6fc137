package client

import (
	"context"
	"log/slog"
)

// Client is the agent-side delivery pipeline's public identity (spec.md
// §4.6.1): a scope-guarded Run lifecycle, backed by a dual-write path to
// the ingestion API with an on-disk failover buffer, and an optional
// fire-and-forget external mirror. Every public operation it exposes
// catches and logs its own failures; only TrackRun's scope body re-raises,
// per INV-never-raise-to-agent.
type Client struct {
	config     *Config
	sinkConfig *SinkConfig
	logger     *slog.Logger

	registry      *registry
	runIDCounters *runIDCounters
	eventLog      *eventLog
	buffer        *buffer
	api           *apiClient
	mirror        *mirror
	sync          *syncWorker

	cancelSync context.CancelFunc
}

// New builds a Client from cfg. The background sync worker is not started
// until Start is called.
func New(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	sinkConfig := LoadSinkConfig(cfg.SinkConfigPath)
	api := newAPIClient(cfg.APIBaseURL, cfg.APIAuthToken, cfg.APITimeout)
	buf := newBuffer(cfg.BufferDir)

	return &Client{
		config:        cfg,
		sinkConfig:    sinkConfig,
		logger:        logger,
		registry:      newRegistry(),
		runIDCounters: newRunIDCounters(),
		eventLog:      newEventLog(cfg.EventLogDir),
		buffer:        buf,
		api:           api,
		mirror:        newMirror(cfg.MirrorAuthToken, logger),
		sync:          newSyncWorker(buf, api, cfg.SyncInterval, cfg.SyncMaxBackoff, logger),
	}
}

// Start launches the background sync worker. Safe to call once; callers
// should defer Stop to release it on shutdown.
func (c *Client) Start(ctx context.Context) {
	syncCtx, cancel := context.WithCancel(ctx)
	c.cancelSync = cancel

	go c.sync.run(syncCtx)
}

// Stop cancels the background sync worker. Safe to call even if Start was
// never called.
func (c *Client) Stop() {
	if c.cancelSync != nil {
		c.cancelSync()
	}
}

// RunIDMetrics returns the current custom-run-id acceptance/rejection
// counters, per spec.md §4.6.4's get_run_id_metrics().
func (c *Client) RunIDMetrics() RunIDMetrics {
	return c.runIDCounters.snapshot()
}

// ActiveRunCount reports how many runs are currently open in the registry.
// Exposed mainly for tests and operational introspection.
func (c *Client) ActiveRunCount() int {
	return c.registry.size()
}
