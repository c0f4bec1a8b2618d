package streaming

import "time"

// StreamEvent is the tagged union emitted by Handler over the lifetime
// of one agent turn.
type StreamEvent struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	MessageID string `json:"message_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`
	Content   string `json:"content,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	CompactionReason string  `json:"compaction_reason,omitempty"`
	UsageRatio       float64 `json:"usage_ratio,omitempty"`

	Error string `json:"error,omitempty"`
}

// Usage mirrors the provider usage counters surfaced on message_end.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ThinkingTokens   int `json:"thinking_tokens,omitempty"`
}

// StreamEvent.Type values follow a fixed grammar:
// agent_start (message_start (message_update)* message_end |
//   tool_execution_start (tool_execution_update)* tool_execution_end)*
// agent_end
const (
	EventAgentStart        = "agent_start"
	EventAgentEnd           = "agent_end"
	EventMessageStart       = "message_start"
	EventMessageUpdate      = "message_update"
	EventMessageEnd         = "message_end"
	EventToolExecutionStart  = "tool_execution_start"
	EventToolExecutionUpdate = "tool_execution_update"
	EventToolExecutionEnd    = "tool_execution_end"
	EventAutoCompactionStart = "auto_compaction_start"
	EventAutoCompactionEnd   = "auto_compaction_end"
	EventError               = "error"
)

// Compaction reasons.
const (
	CompactionReasonContextOverflow   = "context_overflow"
	CompactionReasonThresholdReached  = "threshold_reached"
	CompactionReasonManual            = "manual"
)
