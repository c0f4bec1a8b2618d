package streaming

import (
	"sync"
	"time"

	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/pkg/protocol"
)

// DefaultFlushInterval coalesces short delta bursts into one
// message_update event.
const DefaultFlushInterval = 100 * time.Millisecond

// DefaultHardThreshold forces an emit once this many characters have
// accumulated since the last flush, regardless of the flush timer.
const DefaultHardThreshold = 50

type toolMeta struct {
	name      string
	startedAt time.Time
}

// Handler owns one DeltaBuffer plus a map of in-flight tool-call metadata,
// converting raw provider stream fragments into ordered bus.Event values
// carrying the StreamEvent union, coalescing bursts of small deltas into
// fewer message_update events via a flush timer plus a hard threshold.
type Handler struct {
	publisher bus.EventPublisher

	flushInterval time.Duration
	hardThreshold int

	mu          sync.Mutex
	runID       string
	messageID   string
	delta       *DeltaBuffer
	pending     string
	flushTimer  *time.Timer
	toolMeta    map[string]toolMeta
	assistantTexts []string
}

// NewHandler constructs a Handler publishing to publisher with the
// default flush interval and hard threshold.
func NewHandler(publisher bus.EventPublisher) *Handler {
	return &Handler{
		publisher:     publisher,
		flushInterval: DefaultFlushInterval,
		hardThreshold: DefaultHardThreshold,
		delta:         NewDeltaBuffer(),
		toolMeta:      make(map[string]toolMeta),
	}
}

// WithFlushInterval overrides the default coalescing interval.
func (h *Handler) WithFlushInterval(d time.Duration) *Handler {
	h.flushInterval = d
	return h
}

// WithHardThreshold overrides the default hard-flush character count.
func (h *Handler) WithHardThreshold(n int) *Handler {
	h.hardThreshold = n
	return h
}

func (h *Handler) emit(e StreamEvent) {
	h.publisher.Emit(bus.Event{Name: protocol.EventChat, Payload: e})
}

// OnAgentStart resets all per-run state and emits agent_start.
func (h *Handler) OnAgentStart(runID string) {
	h.mu.Lock()
	h.runID = runID
	h.messageID = ""
	h.delta.Reset()
	h.pending = ""
	h.toolMeta = make(map[string]toolMeta)
	h.assistantTexts = nil
	h.stopFlushTimerLocked()
	h.mu.Unlock()

	h.emit(StreamEvent{Type: EventAgentStart, RunID: runID, Timestamp: now()})
}

// OnAgentEnd emits agent_end and flushes any remaining buffered delta.
func (h *Handler) OnAgentEnd() {
	h.flush()
	h.emit(StreamEvent{Type: EventAgentEnd, RunID: h.runID, Timestamp: now()})
}

// OnMessageStart allocates a message id, clears the delta buffer, and
// emits message_start.
func (h *Handler) OnMessageStart(messageID string) {
	h.mu.Lock()
	h.messageID = messageID
	h.delta.Reset()
	h.pending = ""
	h.mu.Unlock()

	h.emit(StreamEvent{Type: EventMessageStart, RunID: h.runID, MessageID: messageID, Timestamp: now()})
}

// OnDelta appends delta to the buffer, coalescing short bursts via the
// flush timer and forcing an emit once pending exceeds hardThreshold.
func (h *Handler) OnDelta(delta string) {
	if delta == "" {
		return
	}
	h.mu.Lock()
	h.delta.Append(delta)
	h.pending += delta
	force := len(h.pending) >= h.hardThreshold
	h.mu.Unlock()

	if force {
		h.flush()
		return
	}
	h.ensureFlushTimer()
}

func (h *Handler) ensureFlushTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flushTimer != nil {
		return
	}
	h.flushTimer = time.AfterFunc(h.flushInterval, h.flush)
}

func (h *Handler) stopFlushTimerLocked() {
	if h.flushTimer != nil {
		h.flushTimer.Stop()
		h.flushTimer = nil
	}
}

// flush emits a single message_update for whatever has accumulated in
// pending since the last flush.
func (h *Handler) flush() {
	h.mu.Lock()
	if h.pending == "" {
		h.stopFlushTimerLocked()
		h.mu.Unlock()
		return
	}
	delta := h.pending
	h.pending = ""
	accumulated := h.delta.Content()
	messageID := h.messageID
	h.stopFlushTimerLocked()
	h.mu.Unlock()

	h.emit(StreamEvent{
		Type:        EventMessageUpdate,
		RunID:       h.runID,
		MessageID:   messageID,
		Delta:       delta,
		Accumulated: accumulated,
		Timestamp:   now(),
	})
}

// OnMessageEnd reconciles the buffer against the provider's final full
// content, extracts any thinking region, records the assistant text, and
// emits message_end.
func (h *Handler) OnMessageEnd(full, stopReason string, usage Usage) {
	h.flush()

	h.mu.Lock()
	h.delta.AppendDedup(full)
	extraction := h.delta.ExtractThinking()
	h.assistantTexts = append(h.assistantTexts, extraction.Content)
	messageID := h.messageID
	h.mu.Unlock()

	h.emit(StreamEvent{
		Type:       EventMessageEnd,
		RunID:      h.runID,
		MessageID:  messageID,
		Content:    extraction.Content,
		StopReason: stopReason,
		Usage:      &usage,
		Timestamp:  now(),
	})
}

// AssistantTexts returns every assistant message content accumulated
// during this run, thinking regions excised.
func (h *Handler) AssistantTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.assistantTexts...)
}

// OnToolStart records the tool call's start time and emits
// tool_execution_start.
func (h *Handler) OnToolStart(toolCallID, toolName string) {
	h.mu.Lock()
	h.toolMeta[toolCallID] = toolMeta{name: toolName, startedAt: timeNow()}
	h.mu.Unlock()

	h.emit(StreamEvent{
		Type:       EventToolExecutionStart,
		RunID:      h.runID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Timestamp:  now(),
	})
}

// OnToolUpdate mirrors an intermediate tool-execution progress event.
func (h *Handler) OnToolUpdate(toolCallID string) {
	h.mu.Lock()
	meta := h.toolMeta[toolCallID]
	h.mu.Unlock()

	h.emit(StreamEvent{
		Type:       EventToolExecutionUpdate,
		RunID:      h.runID,
		ToolCallID: toolCallID,
		ToolName:   meta.name,
		Timestamp:  now(),
	})
}

// OnToolEnd emits tool_execution_end with a duration computed from the
// recorded start time.
func (h *Handler) OnToolEnd(toolCallID string) {
	h.mu.Lock()
	meta, ok := h.toolMeta[toolCallID]
	delete(h.toolMeta, toolCallID)
	h.mu.Unlock()

	var durationMS int64
	if ok {
		durationMS = timeNow().Sub(meta.startedAt).Milliseconds()
	}

	h.emit(StreamEvent{
		Type:       EventToolExecutionEnd,
		RunID:      h.runID,
		ToolCallID: toolCallID,
		ToolName:   meta.name,
		DurationMS: durationMS,
		Timestamp:  now(),
	})
}

// OnCompactionStart emits auto_compaction_start with the triggering reason.
func (h *Handler) OnCompactionStart(reason string) {
	h.emit(StreamEvent{Type: EventAutoCompactionStart, RunID: h.runID, CompactionReason: reason, Timestamp: now()})
}

// OnCompactionEnd emits auto_compaction_end with the resulting usage ratio.
func (h *Handler) OnCompactionEnd(reason string, usageRatio float64) {
	h.emit(StreamEvent{Type: EventAutoCompactionEnd, RunID: h.runID, CompactionReason: reason, UsageRatio: usageRatio, Timestamp: now()})
}

// OnError emits a terminal error event for the current run.
func (h *Handler) OnError(err error) {
	h.emit(StreamEvent{Type: EventError, RunID: h.runID, Error: err.Error(), Timestamp: now()})
}

func now() time.Time { return time.Now() }

func timeNow() time.Time { return time.Now() }
