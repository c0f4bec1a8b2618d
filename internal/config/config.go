// Package config defines the orchestration core's configuration tree,
// loaded from a JSON5 file and overlaid with environment variables,
// mirroring the shape the rest of the package family consumes: agent
// defaults, provider credentials, storage backend selection, tool policy,
// and telemetry.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, since some
// upstream configuration sources emit numeric IDs unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// DefaultAgentID is used by ResolveDefaultAgentID when no agent is marked
// default.
const DefaultAgentID = "default"

// Config is the root configuration for the orchestration core.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Lanes     LanesConfig     `json:"lanes,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// DatabaseConfig selects and configures the session storage backend.
// PostgresDSN is never read from the config file — only from
// AGENTFORGE_POSTGRES_DSN — since it typically embeds credentials.
type DatabaseConfig struct {
	Backend     string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are the default settings applied to every agent loop
// instance unless overridden by an AgentSpec.
type AgentDefaults struct {
	Provider          string                `json:"provider"`
	Model             string                `json:"model"`
	MaxTokens         int                   `json:"max_tokens"`
	Temperature       float64               `json:"temperature"`
	MaxToolIterations int                   `json:"max_tool_iterations"`
	ContextWindow     int                   `json:"context_window"`
	Compaction        *CompactionConfig     `json:"compaction,omitempty"`
	ContextPruning    *ContextPruningConfig `json:"contextPruning,omitempty"`
	Heartbeat         *HeartbeatConfig      `json:"heartbeat,omitempty"`
	Approval          ApprovalConfig        `json:"approval,omitempty"`
}

// CompactionConfig configures session compaction behaviour.
type CompactionConfig struct {
	ReserveTokensFloor int                `json:"reserveTokensFloor,omitempty"`
	MaxHistoryShare    float64            `json:"maxHistoryShare,omitempty"`
	MinMessages        int                `json:"minMessages,omitempty"`
	KeepLastMessages   int                `json:"keepLastMessages,omitempty"`
	MemoryFlush        *MemoryFlushConfig `json:"memoryFlush,omitempty"`
}

// MemoryFlushConfig configures the pre-compaction flush turn that asks the
// model to note anything worth remembering before its history is
// summarized away.
type MemoryFlushConfig struct {
	Enabled             *bool  `json:"enabled,omitempty"`
	SoftThresholdTokens int    `json:"softThresholdTokens,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	SystemPrompt        string `json:"systemPrompt,omitempty"`
}

// ContextPruningConfig configures in-memory pruning of old tool results,
// independent of full compaction.
type ContextPruningConfig struct {
	Mode                 string                   `json:"mode,omitempty"` // "off" (default), "cache-ttl"
	KeepLastAssistants   int                      `json:"keepLastAssistants,omitempty"`
	SoftTrimRatio        float64                  `json:"softTrimRatio,omitempty"`
	HardClearRatio       float64                  `json:"hardClearRatio,omitempty"`
	MinPrunableToolChars int                      `json:"minPrunableToolChars,omitempty"`
	SoftTrim             *ContextPruningSoftTrim  `json:"softTrim,omitempty"`
	HardClear            *ContextPruningHardClear `json:"hardClear,omitempty"`
}

// ContextPruningSoftTrim configures how long tool results are trimmed.
type ContextPruningSoftTrim struct {
	MaxChars  int `json:"maxChars,omitempty"`
	HeadChars int `json:"headChars,omitempty"`
	TailChars int `json:"tailChars,omitempty"`
}

// ContextPruningHardClear configures replacement of old tool results with
// a placeholder once they age out entirely.
type ContextPruningHardClear struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// HeartbeatConfig configures periodic agent heartbeats and the proactive
// suggestion engine.
type HeartbeatConfig struct {
	Every            string             `json:"every,omitempty"` // duration or gronx cron expression
	ActiveHours      *ActiveHoursConfig `json:"activeHours,omitempty"`
	Model            string             `json:"model,omitempty"`
	QuietHoursStart  string             `json:"quietHoursStart,omitempty"`
	QuietHoursEnd    string             `json:"quietHoursEnd,omitempty"`
	RepeatThreshold  int                `json:"repeatThreshold,omitempty"`
	IdleSessionMins  int                `json:"idleSessionMins,omitempty"`
	Prompt           string             `json:"prompt,omitempty"`
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ApprovalConfig configures the Approval Manager's trust mode and channel
// timeout.
type ApprovalConfig struct {
	Mode       string `json:"mode,omitempty"` // "strict", "moderate" (default), "permissive", "yolo"
	TimeoutSec int    `json:"timeout_sec,omitempty"`
	// RememberedCacheURL, when set, backs remembered approval decisions
	// with a shared Redis instance (e.g. "redis://localhost:6379/0")
	// instead of the in-process default, so multiple agent processes
	// behind the same gateway honor one another's "don't ask again".
	RememberedCacheURL string `json:"remembered_cache_url,omitempty"`
	// ChannelRatePerSec and ChannelBurst bound how often the approval
	// channel (chat platform, CLI prompt) is presented with a new
	// request, so a run that fans out many approval-requiring tool
	// calls at once cannot flood it. Zero disables throttling.
	ChannelRatePerSec float64 `json:"channel_rate_per_sec,omitempty"`
	ChannelBurst      int     `json:"channel_burst,omitempty"`
}

// CronConfig configures retry behaviour for scheduled/heartbeat jobs.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryBaseDelay string `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// LanesConfig configures the Lane Manager's serial lanes and shared
// parallel lane.
type LanesConfig struct {
	MaxQueueSize        int `json:"max_queue_size,omitempty"`
	ParallelConcurrency int `json:"parallel_concurrency,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// AgentSpec is a per-agent configuration override. Zero values mean
// "inherit from defaults".
type AgentSpec struct {
	DisplayName       string  `json:"displayName,omitempty"`
	Provider          string  `json:"provider,omitempty"`
	Model             string  `json:"model,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	MaxToolIterations int     `json:"max_tool_iterations,omitempty"`
	ContextWindow     int     `json:"context_window,omitempty"`
	Default           bool    `json:"default,omitempty"`
}

// ProvidersConfig holds credentials and endpoint overrides for each LLM
// provider adapter.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	Gemini    ProviderConfig `json:"gemini"`
}

// ProviderConfig configures a single LLM provider adapter.
type ProviderConfig struct {
	APIKey       string `json:"api_key"`
	APIBase      string `json:"api_base,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
}

// GatewayConfig configures the streaming transport surface (wsbridge).
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	MaxMessageChars int      `json:"max_message_chars,omitempty"`
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`
}

// ToolsConfig controls tool registry policy and external tool sources.
type ToolsConfig struct {
	Profile          string                      `json:"profile,omitempty"` // "minimal", "full"
	Allow            []string                    `json:"allow,omitempty"`
	Deny             []string                    `json:"deny,omitempty"`
	RateLimitPerHour int                         `json:"rate_limit_per_hour,omitempty"`
	ScrubCredentials *bool                       `json:"scrub_credentials,omitempty"`
	McpServers       map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig configures a single external MCP server connection
// registered as a plugin tool source.
type MCPServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SessionsConfig configures the Session Engine's storage location.
type SessionsConfig struct {
	Storage string `json:"storage"` // directory for the file backend
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex
// — used by the hot-reload watcher to swap in a newly parsed config
// without invalidating any pointer a caller already holds to c.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Lanes = src.Lanes
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
}
