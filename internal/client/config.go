package client

import (
	"errors"
	"time"

	"github.com/telemetry-run/telemetry/internal/config"
)

// Config holds the agent-side delivery pipeline's tunables, loaded from
// environment variables the way internal/storage and internal/api load
// theirs.
type Config struct {
	// APIBaseURL is the ingestion service's base URL, e.g. http://localhost:8080.
	APIBaseURL string
	// APIAuthToken is sent as a bearer token when the ingestion API requires it.
	APIAuthToken string
	// APITimeout bounds a single POST attempt to the ingestion API.
	APITimeout time.Duration

	// EventLogDir is where events_YYYYMMDD.ndjson files are appended.
	EventLogDir string
	// BufferDir is the durable failover buffer directory.
	BufferDir string

	// SyncInterval is how often the background sync worker scans BufferDir.
	SyncInterval time.Duration
	// SyncMaxBackoff bounds the exponential backoff between retries of a
	// single buffered event.
	SyncMaxBackoff time.Duration

	// MirrorURL is the optional external sink's webhook URL. Empty disables
	// the fire-and-forget mirror for every agent without a per-agent
	// override URL in the sink config.
	MirrorURL string
	// MirrorAuthToken is sent as a bearer token to the mirror, if set.
	MirrorAuthToken string

	// SinkConfigPath points at an optional YAML file with per-agent mirror
	// routing overrides. See sinkconfig.go.
	SinkConfigPath string
}

const (
	defaultAPITimeout     = 10 * time.Second
	defaultEventLogDir    = "./telemetry-events"
	defaultBufferDir      = "./telemetry-buffer"
	defaultSyncInterval   = 30 * time.Second
	defaultSyncMaxBackoff = 5 * time.Minute
)

// ErrAPIBaseURLRequired is returned by Validate when no ingestion API base
// URL is configured; the dual-write path has nothing to POST to otherwise.
var ErrAPIBaseURLRequired = errors.New("api base url required")

// LoadConfig reads TELEMETRY_CLIENT_* environment variables, falling back
// to sensible local-development defaults.
func LoadConfig() *Config {
	return &Config{
		APIBaseURL:      config.GetEnvStr("TELEMETRY_CLIENT_API_URL", "http://localhost:8080"),
		APIAuthToken:    config.GetEnvStr("TELEMETRY_CLIENT_API_TOKEN", ""),
		APITimeout:      config.GetEnvDuration("TELEMETRY_CLIENT_API_TIMEOUT", defaultAPITimeout),
		EventLogDir:     config.GetEnvStr("TELEMETRY_CLIENT_EVENT_LOG_DIR", defaultEventLogDir),
		BufferDir:       config.GetEnvStr("TELEMETRY_CLIENT_BUFFER_DIR", defaultBufferDir),
		SyncInterval:    config.GetEnvDuration("TELEMETRY_CLIENT_SYNC_INTERVAL", defaultSyncInterval),
		SyncMaxBackoff:  config.GetEnvDuration("TELEMETRY_CLIENT_SYNC_MAX_BACKOFF", defaultSyncMaxBackoff),
		MirrorURL:       config.GetEnvStr("TELEMETRY_MIRROR_URL", ""),
		MirrorAuthToken: config.GetEnvStr("TELEMETRY_MIRROR_TOKEN", ""),
		SinkConfigPath:  config.GetEnvStr("TELEMETRY_SINK_CONFIG_PATH", DefaultSinkConfigPath),
	}
}

// Validate reports whether the config has enough to drive the dual-write
// path. The mirror and sink config are both optional, so neither is checked.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrAPIBaseURLRequired
	}

	return nil
}
