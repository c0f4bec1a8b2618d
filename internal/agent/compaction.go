package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentforge/core/internal/providers"
	"github.com/agentforge/core/internal/session"
)

const (
	defaultMaxHistoryShare  = 0.75
	defaultMinMessages      = 50
	defaultKeepLastMessages = 4
)

// needsCompaction reports whether sess has crossed its configured
// compaction thresholds: enough raw messages AND an estimated token
// count past maxHistoryShare of the context window.
func (l *Loop) needsCompaction(sess *session.Session, rendered []session.Message) bool {
	historyShare := defaultMaxHistoryShare
	minMessages := defaultMinMessages
	if l.compactionCfg != nil {
		if l.compactionCfg.MaxHistoryShare > 0 {
			historyShare = l.compactionCfg.MaxHistoryShare
		}
		if l.compactionCfg.MinMessages > 0 {
			minMessages = l.compactionCfg.MinMessages
		}
	}

	if len(rendered) <= minMessages {
		return false
	}
	estimate := sess.EstimateContextTokens(rendered)
	threshold := int(float64(l.contextWindow) * historyShare)
	return estimate > threshold
}

// compact summarizes every message but the last keepLastMessages into a
// new system-adjacent note and replaces the session's tree with a linear
// chain of [summary, acknowledgement, ...kept], via an auxiliary (non-streaming) call to
// the same provider driving the turn.
func (l *Loop) compact(ctx context.Context, sess *session.Session, rendered []session.Message) error {
	keepLast := defaultKeepLastMessages
	if l.compactionCfg != nil && l.compactionCfg.KeepLastMessages > 0 {
		keepLast = l.compactionCfg.KeepLastMessages
	}
	if len(rendered) <= keepLast {
		return nil
	}

	toSummarize := rendered[:len(rendered)-keepLast]
	kept := rendered[len(rendered)-keepLast:]

	if l.streaming != nil {
		l.streaming.OnCompactionStart("context_window_threshold")
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	prompt := renderForSummary(toSummarize)
	resp, err := l.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: "Summarize this conversation concisely, preserving the facts and decisions a continuation would need:\n\n" + prompt,
		}},
		Model: l.model,
		Options: map[string]any{
			"max_tokens":  1024,
			"temperature": 0.3,
		},
	})
	if err != nil {
		return fmt.Errorf("compaction summarize call failed: %w", err)
	}

	summaryMsg := session.Message{
		Role:    session.RoleUser,
		Content: "[Summary of earlier conversation]\n" + resp.Content,
		Metadata: &session.Metadata{IsSummary: true, Model: l.model},
	}
	ackMsg := session.Message{
		Role:    session.RoleAssistant,
		Content: "Understood — continuing from that summary.",
	}

	linear := make([]session.Message, 0, len(kept)+2)
	linear = append(linear, summaryMsg, ackMsg)
	linear = append(linear, kept...)

	sess.ReplaceHistory(sess.SystemPrompt, linear)

	if l.streaming != nil {
		after := sess.EstimateContextTokens(linear)
		ratio := 0.0
		if l.contextWindow > 0 {
			ratio = float64(after) / float64(l.contextWindow)
		}
		l.streaming.OnCompactionEnd("context_window_threshold", ratio)
	}

	slog.Info("session compacted", "session", sess.ID, "dropped_messages", len(toSummarize), "kept_messages", len(kept))
	return nil
}

func renderForSummary(msgs []session.Message) string {
	var out string
	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			out += "user: " + m.Content + "\n"
		case session.RoleAssistant:
			if m.Content != "" {
				out += "assistant: " + m.Content + "\n"
			}
		case session.RoleTool:
			for _, tr := range m.ToolResults {
				out += "tool result: " + truncate(tr.Output, 300) + "\n"
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
