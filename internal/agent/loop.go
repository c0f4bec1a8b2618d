// Package agent implements the Agent Loop: the turn-by-turn state
// machine driving a session through AwaitingModel, Streaming,
// AwaitingTools, and an optional Compacting step, calling out to an LLM
// Provider, the Tool Scheduler, and the Streaming Handler along the way.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/config"
	"github.com/agentforge/core/internal/providers"
	"github.com/agentforge/core/internal/scheduler"
	"github.com/agentforge/core/internal/session"
	"github.com/agentforge/core/internal/streaming"
	"github.com/agentforge/core/internal/tools"
	"github.com/agentforge/core/internal/tracing"
	"github.com/agentforge/core/pkg/protocol"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxToolIterations bounds how many AwaitingModel→AwaitingTools
// round trips a single Run may take before it is forced to stop.
const DefaultMaxToolIterations = 25

// DefaultMaxMessageChars truncates an oversized incoming user message
// rather than sending it to the provider whole.
const DefaultMaxMessageChars = 32_000

// Config configures a Loop. One Loop drives every session for a given
// agent identity; per-session state lives on the session.Session passed
// to Run, not on the Loop itself.
type Config struct {
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int

	Registry  *tools.Registry
	Scheduler *scheduler.Scheduler
	Streaming *streaming.Handler
	Publisher bus.EventPublisher
	Tracer    *tracing.Tracer

	Compaction     *config.CompactionConfig
	ContextPruning *config.ContextPruningConfig

	MaxMessageChars int
}

// Loop is the turn-by-turn driver for one agent identity, reusable
// across every session it serves.
type Loop struct {
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	maxMsgChars   int

	registry  *tools.Registry
	scheduler *scheduler.Scheduler
	streaming *streaming.Handler
	publisher bus.EventPublisher
	tracer    *tracing.Tracer

	compactionCfg     *config.CompactionConfig
	contextPruningCfg *config.ContextPruningConfig

	activeRuns atomic.Int32
}

// New constructs a Loop from cfg, applying defaults for unset tunables.
func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxToolIterations
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200_000
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = DefaultMaxMessageChars
	}
	return &Loop{
		provider:          cfg.Provider,
		model:             cfg.Model,
		contextWindow:     cfg.ContextWindow,
		maxIterations:     cfg.MaxIterations,
		maxMsgChars:       cfg.MaxMessageChars,
		registry:          cfg.Registry,
		scheduler:         cfg.Scheduler,
		streaming:         cfg.Streaming,
		publisher:         cfg.Publisher,
		tracer:            cfg.Tracer,
		compactionCfg:     cfg.Compaction,
		contextPruningCfg: cfg.ContextPruning,
	}
}

// ActiveRuns reports how many Run calls are currently in flight across
// every session this Loop serves — the heartbeat/proactive engine polls
// this to avoid suggesting anything mid-turn.
func (l *Loop) ActiveRuns() int32 { return l.activeRuns.Load() }

// Request is the input to Run: one user message against one session.
type Request struct {
	Session     *session.Session
	RunID       string
	UserMessage string
	Stream      bool
}

// Result is Run's output.
type Result struct {
	Content      string
	RunID        string
	Iterations   int
	Usage        providers.Usage
	FinalState   State
	StopReason   StopReason
	WasCompacted bool
}

// Run drives req.Session through however many AwaitingModel/
// AwaitingTools round trips are needed to answer req.UserMessage,
// refusing to start a second concurrent turn on the same session.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	sess := req.Session
	if err := sess.TryBeginTurn(); err != nil {
		return nil, err
	}
	defer sess.EndTurn()

	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(RunEvent{Type: protocol.AgentEventRunStarted, SessionID: sess.ID, RunID: req.RunID})
	if l.streaming != nil {
		l.streaming.OnAgentStart(req.RunID)
		defer l.streaming.OnAgentEnd()
	}

	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.StartAgentTurn(ctx, sess.ID, sess.CompactionCount)
		defer span.End()
	}

	result, err := l.runTurn(ctx, sess, req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			l.emit(RunEvent{Type: protocol.AgentEventRunCancelled, SessionID: sess.ID, RunID: req.RunID})
			return &Result{RunID: req.RunID, FinalState: StateIdle, StopReason: StopCancelled}, nil
		}
		l.emit(RunEvent{
			Type:      protocol.AgentEventRunFailed,
			SessionID: sess.ID,
			RunID:     req.RunID,
			Payload:   map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(RunEvent{Type: protocol.AgentEventRunCompleted, SessionID: sess.ID, RunID: req.RunID})
	return result, nil
}

func (l *Loop) runTurn(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	userMsg := req.UserMessage
	if len(userMsg) > l.maxMsgChars {
		original := len(userMsg)
		userMsg = userMsg[:l.maxMsgChars] + fmt.Sprintf(
			"\n\n[Message truncated from %d to %d characters.]", original, l.maxMsgChars)
		slog.Warn("agent: truncated oversized user message", "session", sess.ID, "original_len", original)
	}
	sess.AddMessage(session.Message{Role: session.RoleUser, Content: userMsg})

	if sess.ContextWindow <= 0 {
		sess.ContextWindow = l.contextWindow
	}

	detector := newLoopDetector()
	var totalUsage providers.Usage
	var finalContent string
	stopReason := StopEndTurn
	state := StateIdle
	iteration := 0

	toolDefs := l.toolDefinitions()

	for iteration < l.maxIterations {
		iteration++

		state = StateAwaitingModel
		l.emitState(sess.ID, req.RunID, state)

		rendered := sess.BuildContext()
		pruned := pruneToolResults(rendered[1:], l.contextWindow, l.contextPruningCfg)
		messages := append([]session.Message{rendered[0]}, pruned...)

		chatReq := providers.ChatRequest{
			Messages: toProviderMessages(messages),
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]any{
				"max_tokens":  8192,
				"temperature": 0.7,
			},
		}

		resp, err := l.callProvider(ctx, sess, req, &state, chatReq)
		if err != nil {
			return nil, fmt.Errorf("agent: LLM call failed at iteration %d: %w", iteration, err)
		}

		totalUsage.PromptTokens += resp.Usage.PromptTokens
		totalUsage.CompletionTokens += resp.Usage.CompletionTokens
		totalUsage.TotalTokens += resp.Usage.TotalTokens
		totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		sess.AccumulateTokens(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
		if resp.Usage.PromptTokens > 0 {
			sess.SetCalibration(resp.Usage.PromptTokens, len(messages))
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			sess.AddMessage(assistantMessage(resp))
			stopReason = reasonFromFinish(resp.FinishReason)
			break
		}

		sess.AddMessage(assistantMessage(resp))

		state = StateAwaitingTools
		l.emitState(sess.ID, req.RunID, state)

		stuck, err := l.runTools(ctx, sess, req, resp.ToolCalls, detector)
		if err != nil {
			return nil, err
		}
		if stuck {
			finalContent = "I got stuck repeating the same tool call without making progress. Could you rephrase the request?"
			sess.AddMessage(session.Message{Role: session.RoleAssistant, Content: finalContent})
			stopReason = StopMaxTokens
			break
		}

		if iteration == l.maxIterations {
			finalContent = "I reached the maximum number of tool iterations for this turn."
			sess.AddMessage(session.Message{Role: session.RoleAssistant, Content: finalContent})
			stopReason = StopMaxTokens
		}
	}

	wasCompacted := false
	rendered := sess.BuildContext()
	if l.needsCompaction(sess, rendered[1:]) {
		state = StateCompacting
		l.emitState(sess.ID, req.RunID, state)
		if err := l.compact(ctx, sess, rendered[1:]); err != nil {
			slog.Warn("agent: compaction failed, continuing with untrimmed history", "session", sess.ID, "error", err)
		} else {
			wasCompacted = true
		}
	}

	state = StateIdle
	l.emitState(sess.ID, req.RunID, state)

	return &Result{
		Content:      finalContent,
		RunID:        req.RunID,
		Iterations:   iteration,
		Usage:        totalUsage,
		FinalState:   state,
		StopReason:   stopReason,
		WasCompacted: wasCompacted,
	}, nil
}

// callProvider invokes Chat or ChatStream depending on req.Stream,
// wiring stream chunks through the Streaming Handler when present.
func (l *Loop) callProvider(ctx context.Context, sess *session.Session, req Request, state *State, chatReq providers.ChatRequest) (*providers.ChatResponse, error) {
	if !req.Stream || l.streaming == nil {
		return l.provider.Chat(ctx, chatReq)
	}

	*state = StateStreaming
	l.emitState(sess.ID, req.RunID, *state)

	messageID := req.RunID + ":" + time.Now().UTC().Format(time.RFC3339Nano)
	l.streaming.OnMessageStart(messageID)

	resp, err := l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			l.streaming.OnDelta(chunk.Content)
		}
	})
	if err != nil {
		l.streaming.OnError(err)
		return nil, err
	}

	usage := streaming.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		ThinkingTokens:   resp.Usage.ThinkingTokens,
	}
	l.streaming.OnMessageEnd(resp.Content, resp.FinishReason, usage)
	return resp, nil
}

// runTools schedules calls through the Tool Scheduler, appends each
// result as a session message, and reports whether the loop detector
// judged the batch critically stuck.
func (l *Loop) runTools(ctx context.Context, sess *session.Session, req Request, calls []providers.ToolCall, detector *loopDetector) (stuck bool, err error) {
	batch := make([]scheduler.Call, len(calls))
	for i, tc := range calls {
		batch[i] = scheduler.Call{ID: tc.ID, Name: tc.Name, Input: tc.Arguments}
	}

	results, err := l.scheduler.Run(ctx, batch)
	if err != nil {
		return false, fmt.Errorf("agent: tool scheduler failed: %w", err)
	}

	for i, r := range results {
		sess.AddMessage(toolResultMessage(r.ID, r.Result))

		key := detector.record(calls[i].Name, calls[i].Input)
		output := ""
		if r.Result != nil {
			output = r.Result.ForLLM
		}
		detector.recordResult(key, output)

		if level, msg := detector.detect(calls[i].Name, key); level == "critical" {
			slog.Warn("agent: tool loop critical", "session", sess.ID, "tool", calls[i].Name, "message", msg)
			return true, nil
		} else if level == "warning" {
			slog.Warn("agent: tool loop warning", "session", sess.ID, "tool", calls[i].Name, "message", msg)
			sess.AddMessage(session.Message{Role: session.RoleUser, Content: msg})
		}
	}
	return false, nil
}

func (l *Loop) toolDefinitions() []providers.ToolDefinition {
	if l.registry == nil {
		return nil
	}
	list := l.registry.List()
	defs := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  tools.InputSchema(t.Parameters()),
		})
	}
	return defs
}

func reasonFromFinish(finishReason string) StopReason {
	switch finishReason {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
