package approval

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/core/internal/classify"
	"github.com/agentforge/core/internal/tools"
)

type fakeChannel struct {
	manager *Manager
	respond func(req Request) Response
}

func (f *fakeChannel) Present(req Request) {
	if f.respond == nil {
		return
	}
	go f.manager.Resolve(req.ID, f.respond(req))
}

func TestSafeCallNeverReachesChannel(t *testing.T) {
	ch := &fakeChannel{respond: func(Request) Response {
		t.Fatal("channel should not be consulted for a safe call")
		return Response{}
	}}
	m := NewManager(ch, TrustModerate)
	ch.manager = m

	c := classify.Classify("read_file", tools.CategoryReadOnly, map[string]any{"path": "/tmp/x"})
	resp, err := m.Evaluate(context.Background(), "read_file", map[string]any{"path": "/tmp/x"}, c, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Approved {
		t.Fatal("expected safe call to be approved without approval flow")
	}
}

func TestYoloBypassesApproval(t *testing.T) {
	ch := &fakeChannel{respond: func(Request) Response {
		t.Fatal("yolo mode should never consult the channel")
		return Response{}
	}}
	m := NewManager(ch, TrustYolo)
	ch.manager = m

	c := classify.Classify("exec", tools.CategorySystem, map[string]any{"command": "rm -rf /"})
	resp, err := m.Evaluate(context.Background(), "exec", map[string]any{"command": "rm -rf /"}, c, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Approved {
		t.Fatal("expected yolo mode to approve unconditionally")
	}
}

func TestChannelApprovalRoundTrip(t *testing.T) {
	ch := &fakeChannel{respond: func(req Request) Response {
		return Response{Approved: true, Timestamp: time.Now()}
	}}
	m := NewManager(ch, TrustModerate)
	ch.manager = m

	c := classify.Classify("exec", tools.CategorySystem, map[string]any{"command": "rm -rf /data"})
	resp, err := m.Evaluate(context.Background(), "exec", map[string]any{"command": "rm -rf /data"}, c, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Approved {
		t.Fatal("expected channel approval to flow through")
	}
}

func TestApprovalTimeoutDenies(t *testing.T) {
	ch := &fakeChannel{} // never responds
	m := NewManager(ch, TrustModerate).WithTimeout(20 * time.Millisecond)
	ch.manager = m

	c := classify.Classify("exec", tools.CategorySystem, map[string]any{"command": "rm -rf /data"})
	resp, err := m.Evaluate(context.Background(), "exec", map[string]any{"command": "rm -rf /data"}, c, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Approved {
		t.Fatal("expected timeout to deny")
	}
	if resp.Reason != ReasonApprovalTimeout {
		t.Fatalf("expected reason %q, got %q", ReasonApprovalTimeout, resp.Reason)
	}
}

func TestRememberedDecisionSkipsChannel(t *testing.T) {
	calls := 0
	ch := &fakeChannel{respond: func(Request) Response {
		calls++
		return Response{Approved: true, RememberChoice: true, Timestamp: time.Now()}
	}}
	m := NewManager(ch, TrustModerate)
	ch.manager = m

	c := classify.Classify("exec", tools.CategorySystem, map[string]any{"command": "rm -rf /data"})
	input := map[string]any{"command": "rm -rf /data"}

	if _, err := m.Evaluate(context.Background(), "exec", input, c, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Evaluate(context.Background(), "exec", input, c, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected the channel to be consulted exactly once, got %d", calls)
	}
}

type fakeRememberStore struct {
	data map[string]Response
	gets int
	sets int
}

func newFakeRememberStore() *fakeRememberStore {
	return &fakeRememberStore{data: make(map[string]Response)}
}

func (s *fakeRememberStore) Get(_ context.Context, key string) (Response, bool, error) {
	s.gets++
	resp, ok := s.data[key]
	return resp, ok, nil
}

func (s *fakeRememberStore) Set(_ context.Context, key string, resp Response) error {
	s.sets++
	s.data[key] = resp
	return nil
}

func TestRememberedDecisionUsesRemoteStoreWhenConfigured(t *testing.T) {
	calls := 0
	ch := &fakeChannel{respond: func(Request) Response {
		calls++
		return Response{Approved: true, RememberChoice: true, Timestamp: time.Now()}
	}}
	store := newFakeRememberStore()
	m := NewManager(ch, TrustModerate).WithRememberStore(store)
	ch.manager = m

	c := classify.Classify("exec", tools.CategorySystem, map[string]any{"command": "rm -rf /data"})
	input := map[string]any{"command": "rm -rf /data"}

	if _, err := m.Evaluate(context.Background(), "exec", input, c, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Evaluate(context.Background(), "exec", input, c, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected the channel to be consulted exactly once, got %d", calls)
	}
	if store.sets != 1 {
		t.Fatalf("expected the remote store to be written once, got %d", store.sets)
	}
	if len(m.remembered) != 0 {
		t.Fatal("expected the in-process map to stay empty when a remote store is configured")
	}
}

func TestPermissiveAutoApprovesMediumNotHigh(t *testing.T) {
	ch := &fakeChannel{respond: func(Request) Response {
		return Response{Approved: false, Timestamp: time.Now()}
	}}
	m := NewManager(ch, TrustPermissive)
	ch.manager = m

	medium := classify.Classify("web_fetch", tools.CategoryNetwork, map[string]any{"url": "https://example.com"})
	resp, _ := m.Evaluate(context.Background(), "web_fetch", map[string]any{"url": "https://example.com"}, medium, "s1")
	if !resp.Approved {
		t.Fatal("expected permissive mode to auto-approve medium risk")
	}

	critical := classify.Classify("exec", tools.CategorySystem, map[string]any{"command": "sudo rm -rf /"})
	resp2, _ := m.Evaluate(context.Background(), "exec", map[string]any{"command": "sudo rm -rf /"}, critical, "s1")
	if resp2.Approved {
		t.Fatal("expected permissive mode to still route critical risk through the channel")
	}
}
