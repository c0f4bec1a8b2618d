package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentforge/core/internal/agent"
	"github.com/agentforge/core/internal/approval"
	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/config"
	"github.com/agentforge/core/internal/heartbeat"
	"github.com/agentforge/core/internal/lanes"
	"github.com/agentforge/core/internal/providers"
	"github.com/agentforge/core/internal/scheduler"
	"github.com/agentforge/core/internal/session"
	sessfile "github.com/agentforge/core/internal/session/storage/file"
	"github.com/agentforge/core/internal/session/storage/postgres"
	"github.com/agentforge/core/internal/session/storage/sqlite"
	"github.com/agentforge/core/internal/streaming"
	"github.com/agentforge/core/internal/tools"
	"github.com/agentforge/core/internal/tools/mcp"
	"github.com/agentforge/core/internal/tracing"
)

// runtime bundles the wired-up core collaborators a command needs to drive
// an Agent Loop: one per process, shared across however many sessions that
// process serves.
type runtime struct {
	cfg       *config.Config
	storage   session.Storage
	publisher *bus.Bus
	streaming *streaming.Handler
	tracer    *tracing.Tracer
	shutdown  func(context.Context) error
	loop      *agent.Loop
	heartbeat *heartbeat.Engine
	approvals *approval.Manager
}

// buildRuntime loads configuration and wires every core package into one
// Agent Loop for agentID, following the same construction order the
// standalone CLI bootstrap in a channel-based gateway would: provider,
// storage, tool registry (MCP sources only — concrete tool bodies are an
// external concern), event bus and streaming, tracing, approval manager,
// lanes and scheduler, then the loop itself.
func buildRuntime(agentID string, approvalChannel approval.Channel) (*runtime, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	agentCfg := cfg.ResolveAgent(agentID)

	provider, err := buildProvider(cfg, agentCfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", agentCfg.Provider, err)
	}

	storage, err := buildStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("build session storage: %w", err)
	}

	registry := tools.NewRegistry()
	for name, mcpCfg := range cfg.Tools.McpServers {
		src, err := mcp.New(mcp.Config{Name: name, Command: mcpCfg.Command, Args: mcpCfg.Args, Env: mcpCfg.Env})
		if err != nil {
			slog.Warn("skipping misconfigured mcp server", "name", name, "error", err)
			continue
		}
		discovered, err := src.Tools(context.Background())
		if err != nil {
			slog.Warn("failed to discover mcp tools", "server", name, "error", err)
			continue
		}
		for _, t := range discovered {
			registry.Register(t, tools.SourcePlugin)
		}
	}

	publisher := bus.New()
	streamer := streaming.NewHandler(publisher)

	tracer, shutdown := tracing.New(tracing.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
	})

	trustMode := approval.TrustMode(agentCfg.Approval.Mode)
	if trustMode == "" {
		trustMode = approval.TrustModerate
	}
	approvals := approval.NewManager(approvalChannel, trustMode)
	if cli, ok := approvalChannel.(*cliApprovalChannel); ok {
		cli.mgr = approvals
	}
	if agentCfg.Approval.TimeoutSec > 0 {
		approvals.WithTimeout(timeoutSeconds(agentCfg.Approval.TimeoutSec))
	}
	if agentCfg.Approval.RememberedCacheURL != "" {
		store, err := approval.NewRedisRememberStore(agentCfg.Approval.RememberedCacheURL)
		if err != nil {
			return nil, fmt.Errorf("build approval remember store: %w", err)
		}
		approvals.WithRememberStore(store)
	}
	if agentCfg.Approval.ChannelRatePerSec > 0 {
		approvals.WithRateLimit(rate.Limit(agentCfg.Approval.ChannelRatePerSec), agentCfg.Approval.ChannelBurst)
	}

	laneMgr := lanes.NewManager(cfg.Lanes)
	sched := scheduler.New(registry, tools.NewChain(), approvals, laneMgr, streamer, publisher)

	loop := agent.New(agent.Config{
		Provider:       provider,
		Model:          agentCfg.Model,
		ContextWindow:  agentCfg.ContextWindow,
		MaxIterations:  agentCfg.MaxToolIterations,
		Registry:       registry,
		Scheduler:      sched,
		Streaming:      streamer,
		Publisher:      publisher,
		Tracer:         tracer,
		Compaction:     agentCfg.Compaction,
		ContextPruning: agentCfg.ContextPruning,
	})

	hb := heartbeat.NewEngine(valueOrZero(agentCfg.Heartbeat), publisher)

	return &runtime{
		cfg:       cfg,
		storage:   storage,
		publisher: publisher,
		streaming: streamer,
		tracer:    tracer,
		shutdown:  shutdown,
		loop:      loop,
		heartbeat: hb,
		approvals: approvals,
	}, nil
}

func timeoutSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func valueOrZero(cfg *config.HeartbeatConfig) config.HeartbeatConfig {
	if cfg == nil {
		return config.HeartbeatConfig{}
	}
	return *cfg
}

func buildProvider(cfg *config.Config, name string) (providers.Provider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.APIBase,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			Name:         "openai",
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.APIBase,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
	case "gemini":
		return providers.NewGeminiProvider(providers.GeminiConfig{
			APIKey:       cfg.Providers.Gemini.APIKey,
			DefaultModel: cfg.Providers.Gemini.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func buildStorage(cfg *config.Config) (session.Storage, error) {
	switch cfg.Database.Backend {
	case "", "file":
		return sessfile.New(config.ExpandHome(cfg.Sessions.Storage))
	case "sqlite":
		return sqlite.Open(cfg.Database.SQLitePath)
	case "postgres":
		dsn := os.Getenv("AGENTFORGE_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("AGENTFORGE_POSTGRES_DSN is required for the postgres backend")
		}
		return postgres.Open(context.Background(), dsn)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

// loadOrNewSession fetches a persisted session by id, or starts a fresh one
// under the resolved agent's system prompt/model when none exists yet.
func loadOrNewSession(ctx context.Context, storage session.Storage, sessionID, systemPrompt, model string, contextWindow int) *session.Session {
	doc, err := storage.Load(ctx, sessionID)
	if err == nil {
		return session.FromDocument(*doc)
	}
	sess := session.New(systemPrompt, model)
	sess.ID = sessionID
	sess.ContextWindow = contextWindow
	return sess
}

func saveSession(ctx context.Context, storage session.Storage, sess *session.Session) {
	doc := sess.Snapshot()
	if err := storage.Save(ctx, &doc); err != nil {
		slog.Warn("failed to persist session", "session", sess.ID, "error", err)
	}
}
