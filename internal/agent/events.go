package agent

import (
	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/pkg/protocol"
)

// RunEvent is emitted on the bus at the start, state transitions, and end
// of a Run — the lifecycle subtypes under protocol.EventAgent.
type RunEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Payload   any    `json:"payload,omitempty"`
}

func (l *Loop) emit(e RunEvent) {
	if l.publisher == nil {
		return
	}
	l.publisher.Emit(bus.Event{Name: protocol.EventAgent, Payload: e})
}

func (l *Loop) emitState(sessionID, runID string, s State) {
	l.emit(RunEvent{
		Type:      protocol.AgentEventStateChanged,
		SessionID: sessionID,
		RunID:     runID,
		Payload:   map[string]string{"state": string(s)},
	})
}
