// Package session implements the branching message tree at the heart of
// the Session Engine: context assembly, branch switching and compaction
// over a flat id-addressed map of Messages, guarded by a per-session
// mutex so at most one turn is ever in flight.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownMessage is returned by SwitchBranch when the id names no
// message present in the session.
var ErrUnknownMessage = errors.New("session: unknown message id")

// ErrBusy is returned by TryBeginTurn when a turn is already in flight for
// this session: at most one Agent Loop turn may run per session at a
// time.
var ErrBusy = errors.New("session: a turn is already in progress")

// Session holds one conversation's branching history plus per-session
// bookkeeping needed by the Agent Loop (context window calibration, token
// accounting, compaction counters).
type Session struct {
	mu sync.RWMutex

	ID            string
	SystemPrompt  string
	Model         string
	messages      map[string]*Message
	currentLeaf   *string
	createdAt     time.Time
	updatedAt     time.Time

	busy bool

	// Calibration/accounting for context-window and token bookkeeping.
	ContextWindow    int
	LastPromptTokens int
	LastMessageCount int
	InputTokens      int64
	OutputTokens     int64
	CompactionCount  int
}

// New creates an empty session with a fresh id.
func New(systemPrompt, model string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		SystemPrompt: systemPrompt,
		Model:        model,
		messages:     make(map[string]*Message),
		createdAt:    now,
		updatedAt:    now,
	}
}

// TryBeginTurn marks the session busy, refusing a second concurrent turn.
// The caller must call EndTurn when the turn (success or failure) settles.
func (s *Session) TryBeginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

// EndTurn releases the busy flag set by TryBeginTurn.
func (s *Session) EndTurn() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// AddMessage appends msg as a child of the current leaf and advances the
// leaf pointer to it. msg.ID is generated if empty. Returns the final id.
func (s *Session) AddMessage(msg Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	stored := msg
	if s.currentLeaf != nil {
		parent := *s.currentLeaf
		stored.ParentID = &parent
		if p, ok := s.messages[parent]; ok {
			p.ChildIDs = append(p.ChildIDs, stored.ID)
		}
	}
	s.messages[stored.ID] = &stored
	leaf := stored.ID
	s.currentLeaf = &leaf
	s.updatedAt = time.Now().UTC()
	return stored.ID
}

// BuildContext walks from the current leaf to the root, reverses the
// chain, and prepends the synthetic system message. Returns a copy so
// callers may mutate freely (e.g. to attach vision images to the last
// message) without racing the session's internal map.
func (s *Session) BuildContext() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []Message
	id := s.currentLeaf
	seen := make(map[string]bool)
	for id != nil {
		m, ok := s.messages[*id]
		if !ok || seen[*id] {
			break
		}
		seen[*id] = true
		chain = append(chain, *m)
		id = m.ParentID
	}
	// chain is currently leaf->root; reverse to root->leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	out := make([]Message, 0, len(chain)+1)
	out = append(out, Message{
		ID:      "system",
		Role:    RoleSystem,
		Content: s.SystemPrompt,
	})
	out = append(out, chain...)
	return out
}

// SwitchBranch moves the current leaf to any existing message id — O(1).
// Used for regeneration: switch to the desired parent, then AddMessage
// appends the new branch while the old one remains reachable in the tree.
func (s *Session) SwitchBranch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrUnknownMessage
	}
	leaf := id
	s.currentLeaf = &leaf
	s.updatedAt = time.Now().UTC()
	return nil
}

// CurrentLeaf returns the current leaf id, or "" for a fresh session.
func (s *Session) CurrentLeaf() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentLeaf == nil {
		return ""
	}
	return *s.currentLeaf
}

// Get returns a copy of the message with the given id.
func (s *Session) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Size returns the number of stored messages (excluding the synthetic
// system root, which is never stored).
func (s *Session) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ReplaceHistory discards the existing tree and rebuilds it as a linear
// chain linking each message in order, used by compaction. If any message
// carries a non-empty Content for a role=system entry convention isn't
// used here — system prompt replacement is explicit via newSystemPrompt.
func (s *Session) ReplaceHistory(newSystemPrompt string, linear []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make(map[string]*Message, len(linear))
	var prevID *string
	for _, m := range linear {
		msg := m
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		msg.ParentID = prevID
		msg.ChildIDs = nil
		s.messages[msg.ID] = &msg
		if prevID != nil {
			if p, ok := s.messages[*prevID]; ok {
				p.ChildIDs = append(p.ChildIDs, msg.ID)
			}
		}
		id := msg.ID
		prevID = &id
	}
	s.currentLeaf = prevID
	if newSystemPrompt != "" {
		s.SystemPrompt = newSystemPrompt
	}
	s.CompactionCount++
	s.updatedAt = time.Now().UTC()
}

// AccumulateTokens adds to the running input/output token counters.
func (s *Session) AccumulateTokens(input, output int64) {
	s.mu.Lock()
	s.InputTokens += input
	s.OutputTokens += output
	s.mu.Unlock()
}

// SetCalibration records the actual prompt token count and message count
// from the last LLM response, used to calibrate subsequent token estimates.
func (s *Session) SetCalibration(promptTokens, messageCount int) {
	s.mu.Lock()
	s.LastPromptTokens = promptTokens
	s.LastMessageCount = messageCount
	s.mu.Unlock()
}

// Snapshot returns the fields needed to persist the session as a
// Document.
func (s *Session) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make(map[string]Message, len(s.messages))
	for id, m := range s.messages {
		msgs[id] = *m
	}
	var leaf string
	if s.currentLeaf != nil {
		leaf = *s.currentLeaf
	}
	return Document{
		SessionID:        s.ID,
		SystemPrompt:     s.SystemPrompt,
		Model:            s.Model,
		Messages:         msgs,
		CurrentLeafID:    leaf,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
		ContextWindow:    s.ContextWindow,
		LastPromptTokens: s.LastPromptTokens,
		LastMessageCount: s.LastMessageCount,
		InputTokens:      s.InputTokens,
		OutputTokens:     s.OutputTokens,
		CompactionCount:  s.CompactionCount,
	}
}

// FromDocument rebuilds a Session from a persisted Document.
func FromDocument(doc Document) *Session {
	s := &Session{
		ID:               doc.SessionID,
		SystemPrompt:     doc.SystemPrompt,
		Model:            doc.Model,
		messages:         make(map[string]*Message, len(doc.Messages)),
		createdAt:        doc.CreatedAt,
		updatedAt:        doc.UpdatedAt,
		ContextWindow:    doc.ContextWindow,
		LastPromptTokens: doc.LastPromptTokens,
		LastMessageCount: doc.LastMessageCount,
		InputTokens:      doc.InputTokens,
		OutputTokens:     doc.OutputTokens,
		CompactionCount:  doc.CompactionCount,
	}
	for id, m := range doc.Messages {
		msg := m
		s.messages[id] = &msg
	}
	if doc.CurrentLeafID != "" {
		leaf := doc.CurrentLeafID
		s.currentLeaf = &leaf
	}
	return s
}
