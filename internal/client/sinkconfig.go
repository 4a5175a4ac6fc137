package client

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSinkConfigPath is the default location for per-agent mirror routing
// overrides. Hidden-file convention, same idea as .eslintrc/.prettierrc.
const DefaultSinkConfigPath = ".telemetry.yaml"

// AgentSinkOverride overrides the global mirror target for one agent name.
type AgentSinkOverride struct {
	AgentName string `yaml:"agent_name"`
	MirrorURL string `yaml:"mirror_url"`
	Disabled  bool   `yaml:"disabled"`
}

// SinkConfig holds the optional per-agent mirror routing table loaded from
// TELEMETRY_SINK_CONFIG_PATH.
type SinkConfig struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	AgentOverrides []AgentSinkOverride `yaml:"agent_overrides"`
}

// mirrorURLFor resolves the effective mirror URL for an agent: an override
// takes precedence over the global default, and a disabled override
// suppresses the mirror entirely regardless of the global default.
func (c *SinkConfig) mirrorURLFor(agentName, globalDefault string) string {
	for _, o := range c.AgentOverrides {
		if o.AgentName != agentName {
			continue
		}

		if o.Disabled {
			return ""
		}

		if o.MirrorURL != "" {
			return o.MirrorURL
		}

		return globalDefault
	}

	return globalDefault
}

// LoadSinkConfig loads the optional YAML file at path. A missing file or
// invalid YAML is not an error: per-agent routing is an optional feature, so
// both cases degrade to an empty config with a logged diagnostic, never a
// failed startup.
func LoadSinkConfig(path string) *SinkConfig {
	cfg := &SinkConfig{AgentOverrides: []AgentSinkOverride{}}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("sink config file not found, continuing with global default", slog.String("path", path))
		} else {
			slog.Warn("failed to read sink config file, continuing with global default",
				slog.String("path", path), slog.String("error", err.Error()))
		}

		return cfg
	}

	if len(data) == 0 {
		return cfg
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse sink config file, continuing with global default",
			slog.String("path", path), slog.String("error", err.Error()))

		return &SinkConfig{AgentOverrides: []AgentSinkOverride{}}
	}

	if cfg.AgentOverrides == nil {
		cfg.AgentOverrides = []AgentSinkOverride{}
	}

	return cfg
}
