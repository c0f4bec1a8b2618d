package session

import (
	"context"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Document is the serialized shape of a Session: { sessionId,
// systemPrompt, model, [(id, message)], currentLeafId, createdAt,
// updatedAt }. It is a human-readable, JSON-equivalent format.
type Document struct {
	SessionID        string             `json:"session_id"`
	SystemPrompt     string             `json:"system_prompt"`
	Model            string             `json:"model"`
	Messages         map[string]Message `json:"messages"`
	CurrentLeafID    string             `json:"current_leaf_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ContextWindow    int                `json:"context_window,omitempty"`
	LastPromptTokens int                `json:"last_prompt_tokens,omitempty"`
	LastMessageCount int                `json:"last_message_count,omitempty"`
	InputTokens      int64              `json:"input_tokens,omitempty"`
	OutputTokens     int64              `json:"output_tokens,omitempty"`
	CompactionCount  int                `json:"compaction_count,omitempty"`
}

// Storage is the pluggable persistence abstraction consumed by the core.
// The core never assumes filesystem semantics beyond these four
// operations — concrete backends live in the storage/ subpackages.
type Storage interface {
	Load(ctx context.Context, sessionID string) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// ErrNotFound is returned by Load when no document exists for the id.
type notFoundError struct{ sessionID string }

func (e *notFoundError) Error() string { return "session not found: " + e.sessionID }

// ErrNotFound constructs the sentinel error backends should return from
// Load when a session id is unknown.
func ErrNotFound(sessionID string) error { return &notFoundError{sessionID} }

// tokenEncoders caches tiktoken encodings by model name; building an
// encoding is comparatively expensive and models repeat across calls.
var tokenEncoders = map[string]*tiktoken.Tiktoken{}

// EstimateTokens estimates the token count of a rendered context using the
// model's real tokenizer where known, falling back to a chars/3 heuristic
// when the model or its encoding is unrecognized — multilingual content in
// particular skews the heuristic, which calibration then corrects using
// the session's LastPromptTokens/LastMessageCount.
func EstimateTokens(model string, text string) int {
	if enc, ok := tokenEncoders[model]; ok {
		return len(enc.Encode(text, nil, nil))
	}
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		tokenEncoders[model] = enc
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 3
}

// EstimateContextTokens sums EstimateTokens over a rendered message slice,
// calibrating against the session's last known actual prompt token count
// when available (linear scaling by message count ratio) to reduce
// heuristic drift.
func (s *Session) EstimateContextTokens(messages []Message) int {
	s.mu.RLock()
	lastTokens, lastCount := s.LastPromptTokens, s.LastMessageCount
	model := s.Model
	s.mu.RUnlock()

	total := 0
	for _, m := range messages {
		total += EstimateTokens(model, m.Content)
	}
	if lastTokens > 0 && lastCount > 0 && len(messages) > 0 {
		ratio := float64(lastTokens) / float64(lastCount)
		calibrated := int(ratio * float64(len(messages)))
		// Blend heuristic and calibrated estimate with equal weight, so a
		// real sample pulls the static heuristic halfway toward it.
		return (total + calibrated) / 2
	}
	return total
}
