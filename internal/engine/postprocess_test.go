package engine

import (
	"strings"
	"testing"
)

func TestStripReasoning(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no delimiter", "plain answer", "plain answer"},
		{"single block", "<think>step by step</think>the answer", "the answer"},
		{"nested blocks keep last", "<think>a</think>mid<think>b</think>final", "final"},
		{"trailing whitespace trimmed", "<think>x</think>\n\n  answer  ", "answer"},
		{"delimiter only", "<think>all reasoning</think>", ""},
		{"empty input", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripReasoning(tc.in); got != tc.want {
				t.Fatalf("StripReasoning(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestChunkShortTextSinglePiece(t *testing.T) {
	got := Chunk("hello world", 2000)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("expected one chunk, got %#v", got)
	}
}

func TestChunkEmptyYieldsNothing(t *testing.T) {
	if got := Chunk("   \n ", 2000); got != nil {
		t.Fatalf("expected no chunks, got %#v", got)
	}
}

func TestChunkSplitsOnWordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 50) // 250 chars
	chunks := Chunk(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "ord") || strings.HasSuffix(c, "wor") {
			t.Fatalf("chunk %d split mid-word: %q", i, c)
		}
	}
	if joined := strings.Join(chunks, " "); joined != strings.TrimSpace(text) {
		t.Fatalf("chunks do not reassemble: %q", joined)
	}
}

func TestChunkHandlesUnbrokenRun(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := Chunk(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if total := len(chunks[0]) + len(chunks[1]) + len(chunks[2]); total != 250 {
		t.Fatalf("lost characters: total %d", total)
	}
}

func TestChunkWhitespaceRunsProduceNoEmptyChunks(t *testing.T) {
	// Every window starts at a non-space rune because the input and each
	// remainder are trimmed, so long whitespace runs collapse instead of
	// becoming empty chunks.
	cases := []string{
		"start" + strings.Repeat(" ", 300) + "end",
		"a" + strings.Repeat("\n", 250) + "b" + strings.Repeat(" ", 250) + "c",
		strings.Repeat(" ", 150) + "only",
	}
	for _, text := range cases {
		for i, c := range Chunk(text, 100) {
			if strings.TrimSpace(c) == "" {
				t.Fatalf("chunk %d of %q is empty", i, text)
			}
		}
	}
}

func TestChunkCountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("é", 150)
	chunks := Chunk(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if n := len([]rune(chunks[0])); n != 100 {
		t.Fatalf("first chunk has %d runes, want 100", n)
	}
}
