package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/agentforge/core/internal/config"
	"github.com/agentforge/core/internal/providers"
	"github.com/agentforge/core/internal/session"
	"github.com/agentforge/core/internal/tools"
)

// toProviderMessages renders a session's message tree (root-to-leaf,
// system prompt first) into the flat provider.Message slice a Chat/
// ChatStream call expects. One session.Message with role=tool carries a
// single ToolResult, following how the loop appends tool results one at
// a time as it dispatches a batch.
func toProviderMessages(msgs []session.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case session.RoleTool:
			for _, tr := range m.ToolResults {
				content := tr.Output
				if !tr.Success {
					content = tr.ErrorMsg
				}
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			pm := providers.Message{
				Role:    string(m.Role),
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
			out = append(out, pm)
		}
	}
	return out
}

// assistantMessage builds the session.Message recording one model
// response, carrying forward any tool calls it requested.
func assistantMessage(resp *providers.ChatResponse) session.Message {
	msg := session.Message{
		Role:    session.RoleAssistant,
		Content: resp.Content,
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return msg
}

// toolResultMessage wraps one scheduled call's outcome as the session
// message appended as the tool-call's child.
func toolResultMessage(toolCallID string, result *tools.Result) session.Message {
	tr := session.ToolResult{ToolCallID: toolCallID}
	if result != nil {
		tr.Success = !result.IsError
		tr.Output = result.ForLLM
		if result.IsError {
			tr.ErrorMsg = result.ForLLM
		}
	} else {
		tr.ErrorMsg = "tool produced no result"
	}
	return session.Message{Role: session.RoleTool, ToolResults: []session.ToolResult{tr}}
}

// pruneToolResults trims or clears aging tool-result messages whenever
// pruning is enabled (cfg.Mode other than "" or "off"), leaving the most
// recent cfg.KeepLastAssistants assistant turns (and everything after
// them) untouched. It does not consult the configured soft/hard ratios or
// how full the context window is. A nil or "off" cfg is a no-op.
func pruneToolResults(msgs []session.Message, contextWindow int, cfg *config.ContextPruningConfig) []session.Message {
	if cfg == nil || cfg.Mode == "" || cfg.Mode == "off" || contextWindow <= 0 {
		return msgs
	}

	keepFrom := len(msgs)
	if keep := cfg.KeepLastAssistants; keep > 0 {
		seen := 0
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == session.RoleAssistant {
				seen++
				if seen >= keep {
					keepFrom = i
					break
				}
			}
		}
	}

	minChars := cfg.MinPrunableToolChars
	if minChars <= 0 {
		minChars = 400
	}

	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	for i := 0; i < keepFrom; i++ {
		if out[i].Role != session.RoleTool || len(out[i].ToolResults) == 0 {
			continue
		}
		tr := out[i].ToolResults[0]
		if len(tr.Output) < minChars {
			continue
		}
		out[i] = softOrHardTrim(out[i], tr, cfg)
	}
	return out
}

func softOrHardTrim(msg session.Message, tr session.ToolResult, cfg *config.ContextPruningConfig) session.Message {
	if cfg.HardClear != nil && cfg.HardClear.Enabled != nil && *cfg.HardClear.Enabled {
		placeholder := cfg.HardClear.Placeholder
		if placeholder == "" {
			placeholder = "[tool output cleared to save context]"
		}
		tr.Output = placeholder
		msg.ToolResults = []session.ToolResult{tr}
		if m := msg.Metadata; m == nil {
			msg.Metadata = &session.Metadata{Truncated: true}
		} else {
			m.Truncated = true
		}
		return msg
	}

	maxChars, head, tail := 2000, 800, 400
	if cfg.SoftTrim != nil {
		if cfg.SoftTrim.MaxChars > 0 {
			maxChars = cfg.SoftTrim.MaxChars
		}
		if cfg.SoftTrim.HeadChars > 0 {
			head = cfg.SoftTrim.HeadChars
		}
		if cfg.SoftTrim.TailChars > 0 {
			tail = cfg.SoftTrim.TailChars
		}
	}
	if len(tr.Output) <= maxChars {
		return msg
	}
	tr.Output = tr.Output[:head] + "\n...[trimmed to save context]...\n" + tr.Output[len(tr.Output)-tail:]
	msg.ToolResults = []session.ToolResult{tr}
	if m := msg.Metadata; m == nil {
		msg.Metadata = &session.Metadata{Truncated: true}
	} else {
		m.Truncated = true
	}
	return msg
}

// loopDetector flags a tool being called repeatedly with identical
// arguments and no change in outcome — a model stuck retrying the same
// no-progress action.
type loopDetector struct {
	counts  map[string]int
	lastOut map[string]string
}

func newLoopDetector() *loopDetector {
	return &loopDetector{counts: map[string]int{}, lastOut: map[string]string{}}
}

// key hashes (name, args) so identical calls collapse to the same
// counter regardless of map key ordering.
func (d *loopDetector) key(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	raw, _ := json.Marshal(ordered)
	sum := sha256.Sum256(append([]byte(name+":"), raw...))
	return hex.EncodeToString(sum[:])
}

// record notes one call and returns its key for a later recordResult/
// detect pair.
func (d *loopDetector) record(name string, args map[string]any) string {
	k := d.key(name, args)
	d.counts[k]++
	return k
}

// recordResult remembers the output produced for key, so detect can tell
// a repeated call that changed its output (progress) from one that
// didn't (stuck).
func (d *loopDetector) recordResult(key, output string) {
	if prev, ok := d.lastOut[key]; ok && prev != output {
		// The output changed — this is progress, not a stuck loop.
		d.counts[key] = 1
	}
	d.lastOut[key] = output
}

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 6
)

// detect reports whether key has now crossed the warning or critical
// repeat threshold, and a message describing it.
func (d *loopDetector) detect(name, key string) (level, message string) {
	switch {
	case d.counts[key] >= loopCriticalThreshold:
		return "critical", "repeated identical calls to " + name + " with no progress"
	case d.counts[key] >= loopWarnThreshold:
		return "warning", "you've called " + name + " several times with the same arguments and no new result; try a different approach"
	default:
		return "", ""
	}
}
