package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Provider != "anthropic" {
		t.Fatalf("expected default provider anthropic, got %q", cfg.Agents.Defaults.Provider)
	}
	if cfg.Sessions.Storage == "" {
		t.Fatalf("expected a default sessions storage path")
	}
}

func TestLoadParsesJSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// trailing commas and comments are both fine under json5
		"agents": { "defaults": { "provider": "openai", "model": "gpt-4o", }, },
		"gateway": { "host": "127.0.0.1", "port": 9000 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Provider != "openai" {
		t.Fatalf("expected provider openai, got %q", cfg.Agents.Defaults.Provider)
	}
	if cfg.Gateway.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Gateway.Port)
	}
}

func TestApplyEnvOverridesTakesPrecedence(t *testing.T) {
	path := writeConfig(t, `{"agents": {"defaults": {"provider": "openai"}}}`)

	t.Setenv("AGENTFORGE_PROVIDER", "gemini")
	t.Setenv("AGENTFORGE_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Provider != "gemini" {
		t.Fatalf("expected env override to win, got %q", cfg.Agents.Defaults.Provider)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Fatalf("expected anthropic api key from env")
	}
	// Auto-enabled because an Anthropic key is present.
	if cfg.Agents.Defaults.ContextPruning == nil || cfg.Agents.Defaults.ContextPruning.Mode != "cache-ttl" {
		t.Fatalf("expected context pruning auto-enabled, got %+v", cfg.Agents.Defaults.ContextPruning)
	}
}

func TestResolveAgentMergesOverrides(t *testing.T) {
	cfg := Default()
	cfg.Agents.List = map[string]AgentSpec{
		"researcher": {Model: "claude-opus-4-6", MaxTokens: 4096},
	}

	resolved := cfg.ResolveAgent("researcher")
	if resolved.Model != "claude-opus-4-6" {
		t.Fatalf("expected overridden model, got %q", resolved.Model)
	}
	if resolved.MaxTokens != 4096 {
		t.Fatalf("expected overridden max tokens, got %d", resolved.MaxTokens)
	}
	if resolved.Provider != cfg.Agents.Defaults.Provider {
		t.Fatalf("expected inherited provider, got %q", resolved.Provider)
	}
}

func TestResolveAgentUnknownIDReturnsDefaults(t *testing.T) {
	cfg := Default()
	resolved := cfg.ResolveAgent("does-not-exist")
	if resolved != cfg.Agents.Defaults {
		t.Fatalf("expected defaults returned unchanged for unknown agent id")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	cfg := Default()
	h1 := cfg.Hash()
	cfg.Agents.Defaults.Model = "a-different-model"
	h2 := cfg.Hash()
	if h1 == h2 {
		t.Fatalf("expected hash to change after mutation")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Agents.Defaults.Model = "gpt-5"
	cfg.Gateway.Port = 4242

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Agents.Defaults.Model != "gpt-5" {
		t.Fatalf("expected model to round-trip, got %q", loaded.Agents.Defaults.Model)
	}
	if loaded.Gateway.Port != 4242 {
		t.Fatalf("expected port to round-trip, got %d", loaded.Gateway.Port)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	if got := ExpandHome("~/sessions"); got != home+"/sessions" {
		t.Fatalf("expected %q, got %q", home+"/sessions", got)
	}
	if got := ExpandHome("/already/absolute"); got != "/already/absolute" {
		t.Fatalf("expected unchanged absolute path, got %q", got)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `{"agents": {"defaults": {"provider": "openai", "model": "gpt-4o"}}}`)

	live, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan struct{}, 1)
	w := NewWatcher(path, live, nil, func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"agents": {"defaults": {"provider": "gemini", "model": "gemini-2.0-flash"}}}`), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}

	if got := live.ResolveAgent(DefaultAgentID).Provider; got != "gemini" {
		t.Fatalf("expected live config updated to gemini, got %q", got)
	}
}
