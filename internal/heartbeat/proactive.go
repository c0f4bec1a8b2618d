package heartbeat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentforge/core/internal/config"
)

// Suggestion is a proactive nudge surfaced to subscribers after a heartbeat
// task runs, or after a session has sat idle for a while.
type Suggestion struct {
	TaskID      string
	Kind        string
	Description string
	Result      string
	Message     string
}

const (
	SuggestionFollowUpNeeded = "follow_up_needed"
	SuggestionTODOFound      = "todo_found"
	SuggestionDeprecation    = "deprecation_notice"
	SuggestionRepeatFailure  = "repeated_failure"
	SuggestionIdleSession    = "idle_session"
)

// analyzeTaskCompletion inspects a task's free-text description and result
// for a handful of surface-level signals worth surfacing to a human. It is
// a pure function: no I/O, no network calls, just string heuristics.
func analyzeTaskCompletion(description, result string) []Suggestion {
	if strings.TrimSpace(result) == "" {
		return nil
	}
	lower := strings.ToLower(result)
	var out []Suggestion

	if strings.Contains(lower, "error") || strings.Contains(lower, "panic") || strings.Contains(lower, "exception") {
		out = append(out, Suggestion{
			Kind:        SuggestionFollowUpNeeded,
			Description: description,
			Result:      result,
			Message:     "the last run reported an error — worth checking logs or retrying",
		})
	}
	if strings.Contains(lower, "todo") || strings.Contains(lower, "fixme") {
		out = append(out, Suggestion{
			Kind:        SuggestionTODOFound,
			Description: description,
			Result:      result,
			Message:     "the result mentions an outstanding TODO/FIXME",
		})
	}
	if strings.Contains(lower, "deprecat") {
		out = append(out, Suggestion{
			Kind:        SuggestionDeprecation,
			Description: description,
			Result:      result,
			Message:     "the result references deprecated behavior",
		})
	}
	return out
}

func looksLikeFailure(result string) bool {
	lower := strings.ToLower(result)
	return strings.Contains(lower, "error") || strings.Contains(lower, "fail") || strings.Contains(lower, "panic")
}

// Suggester layers two pieces of state over the pure heuristics above: a
// per-task repeat-failure counter (so the same transient error doesn't fire
// a suggestion every single run, only once it has repeated
// cfg.RepeatThreshold times) and a per-session idle clock.
type Suggester struct {
	mu sync.Mutex

	repeatThreshold int
	idleThreshold   time.Duration

	repeatCounts map[string]int
	lastResult   map[string]string

	sessionActivity map[string]time.Time
}

// NewSuggester builds a Suggester from the engine's heartbeat configuration,
// applying sensible defaults when the config leaves a field unset.
func NewSuggester(cfg config.HeartbeatConfig) *Suggester {
	threshold := cfg.RepeatThreshold
	if threshold <= 0 {
		threshold = 3
	}
	idle := time.Duration(cfg.IdleSessionMins) * time.Minute

	return &Suggester{
		repeatThreshold: threshold,
		idleThreshold:   idle,
		repeatCounts:    make(map[string]int),
		lastResult:      make(map[string]string),
		sessionActivity: make(map[string]time.Time),
	}
}

// NoteSessionActivity resets the idle clock for a session.
func (s *Suggester) NoteSessionActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionActivity[sessionID] = time.Now()
}

// Consider runs the pure heuristics over one task's result and layers in the
// repeated-failure escalation.
func (s *Suggester) Consider(taskID, description, result string) []Suggestion {
	out := analyzeTaskCompletion(description, result)

	key := taskID + "|" + description
	failure := looksLikeFailure(result)

	s.mu.Lock()
	if failure && s.lastResult[key] == result {
		s.repeatCounts[key]++
	} else {
		s.repeatCounts[key] = 1
	}
	s.lastResult[key] = result
	count := s.repeatCounts[key]
	s.mu.Unlock()

	if failure && count >= s.repeatThreshold {
		out = append(out, Suggestion{
			TaskID:      taskID,
			Kind:        SuggestionRepeatFailure,
			Description: description,
			Result:      result,
			Message:     fmt.Sprintf("%q has failed the same way %d times in a row; consider disabling it or investigating", description, count),
		})
	}
	for i := range out {
		out[i].TaskID = taskID
	}
	return out
}

// IdleSessions returns one suggestion per session that has crossed the
// configured idle threshold, then clears its clock so it doesn't fire again
// every subsequent tick until the session sees new activity.
func (s *Suggester) IdleSessions(now time.Time) []Suggestion {
	if s.idleThreshold <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Suggestion
	for sessionID, last := range s.sessionActivity {
		if now.Sub(last) >= s.idleThreshold {
			out = append(out, Suggestion{
				Kind:        SuggestionIdleSession,
				Description: sessionID,
				Message:     fmt.Sprintf("session %s has been idle for over %d minutes", sessionID, int(s.idleThreshold.Minutes())),
			})
			delete(s.sessionActivity, sessionID)
		}
	}
	return out
}
