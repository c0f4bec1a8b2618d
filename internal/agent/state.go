package agent

// State is one point in the Agent Loop's turn state machine. A turn
// starts Idle, moves to AwaitingModel once a provider call is in flight,
// to Streaming while chunks arrive (streaming requests only), to
// AwaitingTools once the model requests tool calls, optionally to
// Compacting when the session crosses its compaction threshold, and back
// to Idle when the turn settles.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingModel  State = "awaiting_model"
	StateStreaming      State = "streaming"
	StateAwaitingTools  State = "awaiting_tools"
	StateCompacting     State = "compacting"
)

// StopReason explains why the model stopped producing output for a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
)
