package agent

import (
	"context"
	"testing"

	"github.com/agentforge/core/internal/approval"
	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/config"
	"github.com/agentforge/core/internal/lanes"
	"github.com/agentforge/core/internal/providers"
	"github.com/agentforge/core/internal/scheduler"
	"github.com/agentforge/core/internal/session"
	"github.com/agentforge/core/internal/streaming"
	"github.com/agentforge/core/internal/tools"
)

// scriptedProvider returns queued responses in order, ignoring the
// request content, and records every request it was given.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	calls     int
	seen      []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.seen = append(p.seen, req)
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		onChunk(providers.StreamChunk{Content: resp.Content})
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type echoTool struct{ tools.BaseTool }

func newEchoTool() *echoTool {
	return &echoTool{BaseTool: tools.BaseTool{
		ToolName:        "echo",
		ToolDescription: "echoes its input",
		ToolCategory:    tools.CategoryReadOnly,
		ToolParallel:    true,
		ToolParameters:  []tools.Parameter{{Name: "text", Type: "string"}},
	}}
}

func (t *echoTool) Execute(_ context.Context, input map[string]any, _ tools.ExecOptions) (*tools.Result, error) {
	text, _ := input["text"].(string)
	return tools.NewResult("echo: " + text), nil
}

func newTestScheduler(registry *tools.Registry, pub bus.EventPublisher) *scheduler.Scheduler {
	approvals := approval.NewManager(nil, approval.TrustYolo)
	return scheduler.New(registry, tools.NewChain(), approvals, lanes.NewManager(config.LanesConfig{}), nil, pub)
}

func TestRunWithoutToolCallsEndsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}
	registry := tools.NewRegistry()
	pub := bus.New()

	loop := New(Config{
		Provider:  provider,
		Model:     "scripted-model",
		Registry:  registry,
		Scheduler: newTestScheduler(registry, pub),
		Publisher: pub,
	})

	sess := session.New("you are a test agent", "scripted-model")
	result, err := loop.Run(context.Background(), Request{Session: sess, RunID: "run-1", UserMessage: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "hello there" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}
	if result.StopReason != StopEndTurn {
		t.Fatalf("expected end_turn, got %s", result.StopReason)
	}
	if sess.Size() != 2 {
		t.Fatalf("expected 2 stored messages (user, assistant), got %d", sess.Size())
	}
}

func TestRunExecutesToolCallThenAnswers(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			ToolCalls:    []providers.ToolCall{{ID: "call-1", Name: "echo", Arguments: map[string]any{"text": "ping"}}},
			FinishReason: "tool_calls",
		},
		{Content: "done", FinishReason: "stop"},
	}}
	registry := tools.NewRegistry()
	registry.Register(newEchoTool(), tools.SourceBuiltin)
	pub := bus.New()

	loop := New(Config{
		Provider:  provider,
		Model:     "scripted-model",
		Registry:  registry,
		Scheduler: newTestScheduler(registry, pub),
		Publisher: pub,
	})

	sess := session.New("you are a test agent", "scripted-model")
	result, err := loop.Run(context.Background(), Request{Session: sess, RunID: "run-2", UserMessage: "please echo ping"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Content != "done" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if result.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", result.Iterations)
	}

	// user, assistant(tool_call), tool(result), assistant(final) = 4 messages.
	if sess.Size() != 4 {
		t.Fatalf("expected 4 stored messages, got %d", sess.Size())
	}

	if len(provider.seen) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(provider.seen))
	}
	last := provider.seen[1]
	foundToolResult := false
	for _, m := range last.Messages {
		if m.Role == "tool" && m.Content == "echo: ping" {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Fatalf("expected the tool result to be fed back to the second call, got %+v", last.Messages)
	}
}

func TestRunRefusesConcurrentTurnOnSameSession(t *testing.T) {
	sess := session.New("sys", "scripted-model")
	if err := sess.TryBeginTurn(); err != nil {
		t.Fatalf("TryBeginTurn: %v", err)
	}
	defer sess.EndTurn()

	provider := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "x"}}}
	registry := tools.NewRegistry()
	pub := bus.New()
	loop := New(Config{Provider: provider, Model: "scripted-model", Registry: registry, Scheduler: newTestScheduler(registry, pub), Publisher: pub})

	_, err := loop.Run(context.Background(), Request{Session: sess, RunID: "run-3", UserMessage: "hi"})
	if err != session.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestCompactionTriggersWhenThresholdExceeded(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "reply 1"},
		{Content: "a summary of the earlier conversation"},
	}}
	registry := tools.NewRegistry()
	pub := bus.New()
	streamer := streaming.NewHandler(pub)

	loop := New(Config{
		Provider:      provider,
		Model:         "scripted-model",
		ContextWindow: 1000,
		Registry:      registry,
		Scheduler:     newTestScheduler(registry, pub),
		Publisher:     pub,
		Streaming:     streamer,
		Compaction: &config.CompactionConfig{
			MaxHistoryShare:  0.01,
			MinMessages:      1,
			KeepLastMessages: 1,
		},
	})

	sess := session.New("sys", "scripted-model")
	for i := 0; i < 10; i++ {
		sess.AddMessage(session.Message{Role: session.RoleUser, Content: "padding message to grow the history a fair bit so the estimator crosses the tiny threshold"})
	}

	result, err := loop.Run(context.Background(), Request{Session: sess, RunID: "run-4", UserMessage: "one more"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.WasCompacted {
		t.Fatalf("expected compaction to trigger given the tiny threshold")
	}
	if sess.CompactionCount != 1 {
		t.Fatalf("expected CompactionCount 1, got %d", sess.CompactionCount)
	}
}

// blockingProvider never returns on its own; it waits for ctx to be
// cancelled and reports ctx.Err(), simulating an in-flight LLM request
// aborted by an external cancel signal.
type blockingProvider struct{}

func (blockingProvider) Chat(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p blockingProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (blockingProvider) DefaultModel() string { return "scripted-model" }
func (blockingProvider) Name() string         { return "blocking" }

func TestRunReportsCancelledStopReason(t *testing.T) {
	registry := tools.NewRegistry()
	pub := bus.New()

	loop := New(Config{
		Provider:  blockingProvider{},
		Model:     "scripted-model",
		Registry:  registry,
		Scheduler: newTestScheduler(registry, pub),
		Publisher: pub,
	})

	sess := session.New("sys", "scripted-model")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var result *Result
	var err error
	go func() {
		result, err = loop.Run(ctx, Request{Session: sess, RunID: "run-5", UserMessage: "hi"})
		close(done)
	}()

	cancel()
	<-done

	if err != nil {
		t.Fatalf("expected a cancelled Result with no error, got err=%v", err)
	}
	if result.StopReason != StopCancelled {
		t.Fatalf("expected StopCancelled, got %s", result.StopReason)
	}
	if result.FinalState != StateIdle {
		t.Fatalf("expected FinalState idle, got %s", result.FinalState)
	}
}
