// Package streaming implements the Delta Buffer and Streaming Handler: the
// stateful accumulators that turn a provider's raw stream fragments into
// ordered bus.Event values.
package streaming

import "strings"

// DefaultChunkSize is the default splitBlocks chunk size, in characters.
const DefaultChunkSize = 2000

// sentenceBoundary matches ASCII and CJK sentence terminators.
var sentenceBoundary = []rune{'.', '!', '?', '。', '！', '？'}

// DeltaBuffer accumulates streamed text and tracks whether the stream is
// currently inside a <think>...</think> region.
type DeltaBuffer struct {
	buf             strings.Builder
	inThinkingBlock bool
	thinkingBuf     strings.Builder
}

// NewDeltaBuffer returns an empty buffer.
func NewDeltaBuffer() *DeltaBuffer { return &DeltaBuffer{} }

// Append concatenates delta onto the buffer and returns the new content.
func (d *DeltaBuffer) Append(delta string) string {
	d.buf.WriteString(delta)
	return d.buf.String()
}

// Content returns the buffer's current content.
func (d *DeltaBuffer) Content() string { return d.buf.String() }

// Reset clears all accumulated state, for reuse across messages.
func (d *DeltaBuffer) Reset() {
	d.buf.Reset()
	d.inThinkingBlock = false
	d.thinkingBuf.Reset()
}

// AppendDedup reconciles the buffer with a provider-supplied final full
// content: if full starts with what's already accumulated, only the
// missing tail is new; the buffer is then replaced with full so that
// Content() == full afterward.
func (d *DeltaBuffer) AppendDedup(full string) (tail string) {
	existing := d.buf.String()
	if strings.HasPrefix(full, existing) {
		tail = full[len(existing):]
	} else {
		tail = full
	}
	d.buf.Reset()
	d.buf.WriteString(full)
	return tail
}

// ThinkingExtraction is the result of ExtractThinking.
type ThinkingExtraction struct {
	Thinking   string
	Content    string
	IsComplete bool
}

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// ExtractThinking parses <think>...</think> regions out of the buffer's
// current content, across however many Append calls have contributed to
// it. Each call re-parses the whole buffer, so a region or tag split
// across chunk boundaries resolves once all of it has arrived;
// inThinkingBlock is left recording whether the content ends inside an
// open region. Content has thinking tags excised; IsComplete is true once
// every opened <think> tag has a matching close.
func (d *DeltaBuffer) ExtractThinking() ThinkingExtraction {
	raw := d.buf.String()
	d.inThinkingBlock = false
	d.thinkingBuf.Reset()
	var content strings.Builder
	complete := true

	i := 0
	for i < len(raw) {
		if d.inThinkingBlock {
			close := strings.Index(raw[i:], thinkCloseTag)
			if close < 0 {
				d.thinkingBuf.WriteString(raw[i:])
				complete = false
				break
			}
			d.thinkingBuf.WriteString(raw[i : i+close])
			i += close + len(thinkCloseTag)
			d.inThinkingBlock = false
			continue
		}

		open := strings.Index(raw[i:], thinkOpenTag)
		if open < 0 {
			content.WriteString(raw[i:])
			break
		}
		content.WriteString(raw[i : i+open])
		i += open + len(thinkOpenTag)
		d.inThinkingBlock = true
	}

	return ThinkingExtraction{
		Thinking:   d.thinkingBuf.String(),
		Content:    content.String(),
		IsComplete: complete,
	}
}

// SplitResult is the result of SplitBlocks.
type SplitResult struct {
	Blocks    []string
	Remainder string
}

// SplitBlocks splits the buffer's content into blocks of at most size
// characters, preferring to break at a paragraph boundary ("\n\n"), then
// a sentence boundary, then a word boundary, falling back to a hard cut
// only when no such boundary exists within the window. Any tail shorter
// than size is returned as Remainder rather than a final, possibly
// incomplete block.
func (d *DeltaBuffer) SplitBlocks(size int) SplitResult {
	if size <= 0 {
		size = DefaultChunkSize
	}
	text := d.buf.String()

	var blocks []string
	for len(text) > size {
		cut := bestBreak(text, size)
		blocks = append(blocks, text[:cut])
		text = text[cut:]
	}
	return SplitResult{Blocks: blocks, Remainder: text}
}

// bestBreak finds the split point within text[:limit], preferring the
// latest paragraph break, then sentence break, then word break, falling
// back to limit itself.
func bestBreak(text string, limit int) int {
	window := text[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := lastSentenceBreak(window); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, " "); idx > 0 {
		return idx + 1
	}
	return limit
}

func lastSentenceBreak(window string) int {
	runes := []rune(window)
	bestRuneLen := -1
	for i, r := range runes {
		if !isSentenceTerminator(r) {
			continue
		}
		// Require a following whitespace or end-of-window, matching the
		// spec's `[.!?。！？]` followed by whitespace or end-of-string.
		switch {
		case i+1 == len(runes):
			bestRuneLen = i + 1
		case runes[i+1] == ' ' || runes[i+1] == '\n':
			bestRuneLen = i + 2
		}
	}
	if bestRuneLen < 0 {
		return -1
	}
	// bestRuneLen is a rune count; convert back to a byte offset.
	return len(string(runes[:bestRuneLen]))
}

func isSentenceTerminator(r rune) bool {
	for _, t := range sentenceBoundary {
		if r == t {
			return true
		}
	}
	return false
}
