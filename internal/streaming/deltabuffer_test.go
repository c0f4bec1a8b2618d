package streaming

import (
	"strings"
	"testing"
)

func TestAppendJoinsDeltas(t *testing.T) {
	d := NewDeltaBuffer()
	deltas := []string{"hel", "lo ", "wor", "ld"}
	for _, part := range deltas {
		d.Append(part)
	}
	if d.Content() != strings.Join(deltas, "") {
		t.Fatalf("got %q", d.Content())
	}
}

func TestAppendDedupReplacesWithFull(t *testing.T) {
	d := NewDeltaBuffer()
	d.Append("hel")
	d.Append("lo")

	tail := d.AppendDedup("hello world")
	if tail != " world" {
		t.Fatalf("expected missing tail ' world', got %q", tail)
	}
	if d.Content() != "hello world" {
		t.Fatalf("AppendDedup(X).Content() must equal X, got %q", d.Content())
	}
}

func TestAppendDedupWhenFullDoesNotExtendBuffer(t *testing.T) {
	d := NewDeltaBuffer()
	d.Append("goodbye")

	tail := d.AppendDedup("hello")
	if tail != "hello" {
		t.Fatalf("expected full replacement tail, got %q", tail)
	}
	if d.Content() != "hello" {
		t.Fatalf("got %q", d.Content())
	}
}

func TestExtractThinkingExcisesTags(t *testing.T) {
	d := NewDeltaBuffer()
	d.Append("before <think>secret reasoning</think> after")

	got := d.ExtractThinking()
	if got.Thinking != "secret reasoning" {
		t.Fatalf("thinking = %q", got.Thinking)
	}
	if got.Content != "before  after" {
		t.Fatalf("content = %q", got.Content)
	}
	if !got.IsComplete {
		t.Fatal("expected IsComplete true")
	}
}

func TestExtractThinkingAcrossChunkBoundary(t *testing.T) {
	d := NewDeltaBuffer()
	d.Append("<think>part one ")
	first := d.ExtractThinking()
	if first.IsComplete {
		t.Fatal("expected incomplete while still inside the think block")
	}

	d.Append("part two</think>done")
	second := d.ExtractThinking()
	if !second.IsComplete {
		t.Fatal("expected complete once the close tag arrives")
	}
	if second.Content != "done" {
		t.Fatalf("content = %q", second.Content)
	}
}

func TestSplitBlocksPrefersParagraphBoundary(t *testing.T) {
	d := NewDeltaBuffer()
	d.Append("first paragraph.\n\nsecond paragraph that is quite a bit longer than the first one.")

	result := d.SplitBlocks(25)
	if len(result.Blocks) == 0 {
		t.Fatal("expected at least one block")
	}
	if !strings.HasSuffix(result.Blocks[0], "\n\n") {
		t.Fatalf("expected first block to break at paragraph boundary, got %q", result.Blocks[0])
	}
}

func TestSplitBlocksFallsBackToWordBoundary(t *testing.T) {
	d := NewDeltaBuffer()
	d.Append(strings.Repeat("word ", 20))

	result := d.SplitBlocks(10)
	for _, b := range result.Blocks {
		if len(b) == 0 {
			t.Fatal("unexpected empty block")
		}
	}
}
