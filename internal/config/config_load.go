package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults for a standalone
// deployment: file-backed sessions, moderate approval trust, and
// Anthropic as the default provider.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:          "anthropic",
				Model:             "claude-sonnet-4-5-20250929",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 25,
				ContextWindow:     200000,
				Approval: ApprovalConfig{
					Mode:       "moderate",
					TimeoutSec: 180,
				},
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Sessions: SessionsConfig{
			Storage: "~/.agentforge/sessions",
		},
		Database: DatabaseConfig{
			Backend: "file",
		},
		Lanes: LanesConfig{
			MaxQueueSize:        100,
			ParallelConcurrency: 10,
		},
	}
}

// Load reads config from a JSON5 file, then overlays environment
// variables. A missing file is not an error — Default() plus env
// overrides is a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyContextPruningDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyContextPruningDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config.
// Env vars take precedence over file values, since they are the usual
// channel for secrets that should never round-trip through a written
// config file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTFORGE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("AGENTFORGE_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("AGENTFORGE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("AGENTFORGE_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("AGENTFORGE_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)

	envStr("AGENTFORGE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("AGENTFORGE_MODEL", &c.Agents.Defaults.Model)

	envStr("AGENTFORGE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("AGENTFORGE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("AGENTFORGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("AGENTFORGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("AGENTFORGE_OWNER_IDS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("AGENTFORGE_DB_BACKEND", &c.Database.Backend)
	envStr("AGENTFORGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTFORGE_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("AGENTFORGE_APPROVAL_MODE", &c.Agents.Defaults.Approval.Mode)

	envStr("AGENTFORGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTFORGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTFORGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTFORGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTFORGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// applyContextPruningDefaults auto-enables context pruning once an
// Anthropic key is configured, since its prompt caching rewards keeping
// the tail of the context stable rather than letting it regrow every
// compaction cycle.
func (c *Config) applyContextPruningDefaults() {
	if c.Providers.Anthropic.APIKey == "" {
		return
	}

	defaults := &c.Agents.Defaults
	if defaults.ContextPruning == nil {
		defaults.ContextPruning = &ContextPruningConfig{Mode: "cache-ttl"}
	} else if defaults.ContextPruning.Mode == "" {
		defaults.ContextPruning.Mode = "cache-ttl"
	}
}

// Save writes the config to a JSON file. Secrets held only in env-sourced
// fields (tagged json:"-") are never persisted.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 digest of the config, used by the hot-reload
// watcher to skip a reload when a file-system event fires but the parsed
// content is unchanged.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded sessions storage path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// ResolveAgent returns the effective config for a given agent ID, merging
// defaults with any per-agent override.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
	}
	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked default, or
// DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent, falling back
// to its ID.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return agentID
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config — call after a file reload to restore runtime secrets that are
// never written back to disk.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
	c.applyContextPruningDefaults()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
