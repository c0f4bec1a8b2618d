package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/config"
)

func TestEngineRunOnceExecutesHandler(t *testing.T) {
	var count int32
	engine := NewEngine(config.HeartbeatConfig{}, nil)
	engine.Register(Task{
		ID:      "ping",
		Enabled: true,
		Handler: func(ctx context.Context) (string, error) {
			atomic.AddInt32(&count, 1)
			return "ok", nil
		},
	})

	result, ok := engine.RunOnce(context.Background(), "ping")
	if !ok {
		t.Fatal("expected task to be found")
	}
	if result.Status != StatusRan {
		t.Fatalf("expected StatusRan, got %s", result.Status)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatal("expected handler to run exactly once")
	}
}

func TestEngineIntervalTicksRepeatedly(t *testing.T) {
	var count int32
	engine := NewEngine(config.HeartbeatConfig{}, nil)
	engine.Register(Task{
		ID:       "tick",
		Enabled:  true,
		Schedule: Schedule{Interval: 30 * time.Millisecond},
		Handler: func(ctx context.Context) (string, error) {
			atomic.AddInt32(&count, 1)
			return "ok", nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	engine.Stop()

	c := atomic.LoadInt32(&count)
	if c < 2 || c > 8 {
		t.Fatalf("expected roughly 3-5 ticks in 150ms at a 30ms interval, got %d", c)
	}
}

func TestEngineSkipsOutsideActiveHours(t *testing.T) {
	now := time.Now()
	// A window that starts one minute from now and ends two minutes from
	// now never contains "now", so every run should be skipped.
	start := now.Add(time.Minute).Format("15:04")
	end := now.Add(2 * time.Minute).Format("15:04")

	var ran bool
	engine := NewEngine(config.HeartbeatConfig{
		ActiveHours: &config.ActiveHoursConfig{Start: start, End: end},
	}, nil)
	engine.Register(Task{
		ID:      "windowed",
		Enabled: true,
		Handler: func(ctx context.Context) (string, error) {
			ran = true
			return "ok", nil
		},
	})

	result, _ := engine.RunOnce(context.Background(), "windowed")
	if result.Status != StatusSkipped {
		t.Fatalf("expected StatusSkipped, got %s (reason %s)", result.Status, result.Reason)
	}
	if ran {
		t.Fatal("handler should not have run outside its active-hours window")
	}
}

func TestEngineEmitsRanEventOnBus(t *testing.T) {
	b := bus.New()
	var gotPayload map[string]any
	done := make(chan struct{})
	b.Subscribe(bus.Topic, func(e bus.Event) {
		if p, ok := e.Payload.(map[string]any); ok && p["type"] == "heartbeat.ran" {
			gotPayload = p
			close(done)
		}
	})

	engine := NewEngine(config.HeartbeatConfig{}, b)
	engine.Register(Task{
		ID:      "emits",
		Enabled: true,
		Handler: func(ctx context.Context) (string, error) { return "did a thing", nil },
	})
	engine.RunOnce(context.Background(), "emits")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat.ran event on the bus")
	}
	if gotPayload["task_id"] != "emits" {
		t.Fatalf("unexpected task_id in payload: %+v", gotPayload)
	}
}

func TestSuggesterEscalatesRepeatedFailures(t *testing.T) {
	s := NewSuggester(config.HeartbeatConfig{RepeatThreshold: 2})

	first := s.Consider("task-a", "check disk space", "error: disk full")
	for _, sug := range first {
		if sug.Kind == SuggestionRepeatFailure {
			t.Fatal("should not escalate on the first failure")
		}
	}

	second := s.Consider("task-a", "check disk space", "error: disk full")
	found := false
	for _, sug := range second {
		if sug.Kind == SuggestionRepeatFailure {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a repeated_failure suggestion on the second identical failure")
	}
}

func TestSuggesterFlagsIdleSessions(t *testing.T) {
	s := NewSuggester(config.HeartbeatConfig{IdleSessionMins: 1})
	s.NoteSessionActivity("sess-1")

	// Not idle yet.
	if got := s.IdleSessions(time.Now().Add(30 * time.Second)); len(got) != 0 {
		t.Fatalf("expected no idle suggestions yet, got %+v", got)
	}

	got := s.IdleSessions(time.Now().Add(2 * time.Minute))
	if len(got) != 1 || got[0].Kind != SuggestionIdleSession {
		t.Fatalf("expected one idle_session suggestion, got %+v", got)
	}

	// Fires once, then clears until activity resumes.
	if got := s.IdleSessions(time.Now().Add(3 * time.Minute)); len(got) != 0 {
		t.Fatalf("expected idle suggestion to not repeat without new activity, got %+v", got)
	}
}

func TestAnalyzeTaskCompletionHeuristics(t *testing.T) {
	if got := analyzeTaskCompletion("noop", ""); got != nil {
		t.Fatalf("expected no suggestions for an empty result, got %+v", got)
	}

	got := analyzeTaskCompletion("build check", "error: compilation failed")
	if len(got) != 1 || got[0].Kind != SuggestionFollowUpNeeded {
		t.Fatalf("expected a follow_up_needed suggestion, got %+v", got)
	}

	got = analyzeTaskCompletion("code review", "left a TODO in payment.go")
	if len(got) != 1 || got[0].Kind != SuggestionTODOFound {
		t.Fatalf("expected a todo_found suggestion, got %+v", got)
	}
}
