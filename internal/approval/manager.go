// Package approval implements the Approval Manager: pending-approval
// bookkeeping, trust-mode policy, and remembered per-(tool,args)
// decisions, built around classify.Classification and four named trust
// modes ranging from always-ask to never-ask.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/agentforge/core/internal/classify"
)

// TrustMode governs how the Approval Manager resolves a classified call
// without waiting on an external channel.
type TrustMode string

const (
	// TrustStrict sends every call that requires approval to the approval
	// channel, whatever its risk level. Calls that do not require
	// approval, and remembered decisions, are approved without asking.
	TrustStrict TrustMode = "strict"
	// TrustModerate is the default: low-risk calls proceed, anything
	// requiring approval is routed to the channel.
	TrustModerate TrustMode = "moderate"
	// TrustPermissive auto-approves low and medium risk calls.
	TrustPermissive TrustMode = "permissive"
	// TrustYolo bypasses approval entirely.
	TrustYolo TrustMode = "yolo"
)

// ReasonApprovalTimeout is the synthetic denial reason used when the
// approval channel does not respond within the configured timeout.
const ReasonApprovalTimeout = "approval_timeout"

// DefaultTimeout is the default wait for a response from the approval
// channel, on the order of minutes, before treating the call as denied.
const DefaultTimeout = 3 * time.Minute

// Request is a pending approval request, keyed by ID.
type Request struct {
	ID             string
	ToolName       string
	ToolInput      map[string]any
	Classification classify.Classification
	SessionID      string
	Timestamp      time.Time
}

// Response is the decision returned for a Request.
type Response struct {
	Approved       bool
	Timestamp      time.Time
	Reason         string
	RememberChoice bool
}

// Channel is the external collaborator (chat platform, UI, CLI prompt)
// that presents a Request to a human and eventually calls back with a
// Response via Manager.Resolve.
type Channel interface {
	// Present delivers req to the channel; it must not block — the
	// channel notifies the Manager asynchronously via Resolve.
	Present(req Request)
}

// pendingEntry pairs a Request with the channel used to deliver its
// eventual Response to the waiting caller.
type pendingEntry struct {
	request Request
	resultCh chan Response
}

// Manager holds pending-approval records keyed by request id and applies
// trust-mode policy plus remembered decisions before ever reaching the
// external Channel.
type Manager struct {
	channel Channel
	mode    TrustMode
	timeout time.Duration
	remote  RememberStore // optional; falls back to the in-process map when nil
	limiter *rate.Limiter // optional; throttles how often channel.Present is called

	mu         sync.Mutex
	pending    map[string]*pendingEntry
	remembered map[string]Response // key: canonicalKey(toolName, args)
	nextID     uint64

	// lookupGroup collapses concurrent remembered-decision lookups for
	// the same (toolName, args) key into a single read, so a burst of
	// identical tool calls hits the remote store (or the in-process map)
	// once instead of once per caller.
	lookupGroup singleflight.Group
}

// NewManager constructs a Manager in the given trust mode, presenting
// requests that need a human decision to channel.
func NewManager(channel Channel, mode TrustMode) *Manager {
	return &Manager{
		channel:    channel,
		mode:       mode,
		timeout:    DefaultTimeout,
		pending:    make(map[string]*pendingEntry),
		remembered: make(map[string]Response),
	}
}

// WithTimeout overrides the default approval-channel wait.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	m.timeout = d
	return m
}

// WithRememberStore swaps the in-process remembered-decision map for a
// shared RememberStore (e.g. RedisRememberStore), so "don't ask again"
// decisions are visible to every process consulting the same store.
func (m *Manager) WithRememberStore(store RememberStore) *Manager {
	m.remote = store
	return m
}

// WithRateLimit bounds how often the approval Channel is presented with a
// new request, protecting a chat platform or CLI operator from being
// flooded by a run that fans out many approval-requiring tool calls at
// once. burst allows that many requests through before throttling kicks
// in.
func (m *Manager) WithRateLimit(r rate.Limit, burst int) *Manager {
	m.limiter = rate.NewLimiter(r, burst)
	return m
}

// SetMode changes the trust mode at runtime (e.g. a user toggling yolo
// mode mid-session).
func (m *Manager) SetMode(mode TrustMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Evaluate resolves a classified tool call to an approval Response,
// consulting trust mode and remembered decisions before ever asking the
// external Channel. A channel timeout is treated as a denial.
func (m *Manager) Evaluate(ctx context.Context, toolName string, input map[string]any, c classify.Classification, sessionID string) (Response, error) {
	if !c.RequiresApproval {
		return Response{Approved: true, Timestamp: time.Now()}, nil
	}

	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()

	key := canonicalKey(toolName, input)
	if remembered, ok, err := m.lookupRemembered(ctx, key); err == nil && ok {
		return remembered, nil
	}

	switch mode {
	case TrustYolo:
		return Response{Approved: true, Timestamp: time.Now(), Reason: "trust_mode_yolo"}, nil
	case TrustPermissive:
		if c.RiskLevel <= classify.RiskMedium {
			return Response{Approved: true, Timestamp: time.Now(), Reason: "trust_mode_permissive"}, nil
		}
	case TrustStrict, TrustModerate:
		// fall through to the channel for anything requiring approval.
	}

	return m.requestFromChannel(ctx, toolName, input, c, sessionID)
}

// rememberedLookup is the value shape shared by Do's single result
// across every caller collapsed into that call.
type rememberedLookup struct {
	resp Response
	ok   bool
}

// lookupRemembered resolves a remembered decision for key, deduplicating
// concurrent lookups for the same key via singleflight so a burst of
// identical tool calls only reads the remote store (or the in-process
// map) once.
func (m *Manager) lookupRemembered(ctx context.Context, key string) (Response, bool, error) {
	v, err, _ := m.lookupGroup.Do(key, func() (any, error) {
		m.mu.Lock()
		remote := m.remote
		m.mu.Unlock()

		if remote != nil {
			resp, ok, err := remote.Get(ctx, key)
			return rememberedLookup{resp, ok}, err
		}

		m.mu.Lock()
		resp, ok := m.remembered[key]
		m.mu.Unlock()
		return rememberedLookup{resp, ok}, nil
	})
	if err != nil {
		return Response{}, false, err
	}
	lookup := v.(rememberedLookup)
	return lookup.resp, lookup.ok, nil
}

func (m *Manager) requestFromChannel(ctx context.Context, toolName string, input map[string]any, c classify.Classification, sessionID string) (Response, error) {
	m.mu.Lock()
	m.nextID++
	id := formatID(m.nextID)
	req := Request{
		ID:             id,
		ToolName:       toolName,
		ToolInput:      input,
		Classification: c,
		SessionID:      sessionID,
		Timestamp:      time.Now(),
	}
	pe := &pendingEntry{request: req, resultCh: make(chan Response, 1)}
	m.pending[id] = pe
	limiter := m.limiter
	m.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			m.mu.Lock()
			delete(m.pending, id)
			m.mu.Unlock()
			return Response{}, err
		}
	}

	if m.channel != nil {
		m.channel.Present(req)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case resp := <-pe.resultCh:
		m.rememberIfRequested(ctx, toolName, input, resp)
		return resp, nil
	case <-timer.C:
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return Response{Approved: false, Timestamp: time.Now(), Reason: ReasonApprovalTimeout}, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// errUnknownRequest is returned by Resolve when id names no pending
// request (already resolved, timed out, or never issued).
var errUnknownRequest = errors.New("approval: unknown or already-resolved request id")

// Resolve delivers a human decision for a pending request id, called by
// the Channel implementation once it has one.
func (m *Manager) Resolve(id string, resp Response) error {
	m.mu.Lock()
	pe, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return errUnknownRequest
	}
	pe.resultCh <- resp
	return nil
}

func (m *Manager) rememberIfRequested(ctx context.Context, toolName string, input map[string]any, resp Response) {
	if !resp.RememberChoice {
		return
	}
	key := canonicalKey(toolName, input)

	m.mu.Lock()
	remote := m.remote
	m.mu.Unlock()

	if remote != nil {
		// A remote-store write failure degrades to "ask again next
		// time" rather than losing the decision silently; the in-
		// process map is not populated in this mode so every replica
		// reads from the same source of truth.
		_ = remote.Set(ctx, key, resp)
		return
	}

	m.mu.Lock()
	m.remembered[key] = resp
	m.mu.Unlock()
}

// PendingCount returns the number of requests awaiting a response.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// canonicalKey builds the (toolName, canonicalized-args) key used for
// remembered decisions: args are marshaled with sorted keys so that
// equivalent argument sets (different field order) hash identically.
func canonicalKey(toolName string, input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(input))
	for _, k := range keys {
		ordered[k] = input[k]
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		return toolName
	}
	return toolName + ":" + string(raw)
}

func formatID(n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
