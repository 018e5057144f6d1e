package fsm

import (
	"strings"
	"testing"
)

// feedChunks runs a full preprocess pass over the given chunking and
// returns the final result.
func feedChunks(chunks []string) string {
	var p Preprocessor
	for _, c := range chunks {
		p.Feed(c)
	}
	p.Finalize()
	return p.Result()
}

// chunkBySize splits s into consecutive chunks of at most n bytes.
func chunkBySize(s string, n int) []string {
	var chunks []string
	for len(s) > n {
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	chunks = append(chunks, s)
	return chunks
}

func TestPreprocessRemovesThinkRegions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "think block before json",
			input: `<think>reasoning</think>{"result": "success"}`,
			want:  `{"result": "success"}`,
		},
		{
			name:  "think block in the middle",
			input: `prefix<think>hidden</think>suffix`,
			want:  `prefixsuffix`,
		},
		{
			name:  "unclosed think swallows the rest",
			input: `kept<think>never closed {"a": 1}`,
			want:  `kept`,
		},
		{
			name:  "no think markers",
			input: `{"a": 1}`,
			want:  `{"a": 1}`,
		},
		{
			name:  "multiple think blocks",
			input: `<think>one</think>A<think>two</think>B`,
			want:  `AB`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPreprocessFenceExtraction(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "json fence with language tag",
			input: "```json\n{\"name\": \"John\", \"age\": 30}\n```",
			want:  "{\"name\": \"John\", \"age\": 30}\n",
		},
		{
			name:  "fence without language tag still swallows first line",
			input: "```\n{\"a\": 1}\n```",
			want:  "{\"a\": 1}\n",
		},
		{
			name:  "prose is dropped when a fence exists",
			input: "Here is the result:\n```json\n{\"ok\": true}\n```\nHope that helps!",
			want:  "{\"ok\": true}\n",
		},
		{
			name:  "two fences concatenate",
			input: "```json\n{\"a\": 1}\n```middle```json\n{\"b\": 2}\n```",
			want:  "{\"a\": 1}\n{\"b\": 2}\n",
		},
		{
			name:  "no fence keeps everything",
			input: "plain {\"a\": 1} text",
			want:  "plain {\"a\": 1} text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestPreprocessChunkingEquivalence verifies the core streaming contract:
// any chunking of the input yields the same result as a single-shot pass,
// even when markers straddle chunk boundaries.
func TestPreprocessChunkingEquivalence(t *testing.T) {
	inputs := []string{
		`<think>some reasoning here</think>{"result": "success"}`,
		"```json\n{\"name\": \"John\", \"age\": 30}\n```",
		"prose before ```json\n{\"items\": [1, 2, 3]}\n``` prose after",
		"<think>a</think>" + "```json\n{\"x\": \"<think>not a marker in fence</think>\"}\n```",
		"no markers at all, just text with {\"a\": 1}",
		`<think>unclosed reasoning {"fake": 1}`,
		"", // empty input
		"```json\n" + strings.Repeat(`{"k": "v"},`, 50) + "\n```",
	}

	for _, input := range inputs {
		single := feedChunks([]string{input})
		for _, size := range []int{1, 2, 3, 5, 7, 8, 13, 64} {
			got := feedChunks(chunkBySize(input, size))
			if got != single {
				t.Errorf("chunk size %d: got %q, want %q (input %q)", size, got, single, input)
			}
		}
	}
}

func TestPreprocessCarryBound(t *testing.T) {
	var p Preprocessor
	// Feed byte by byte; the carry must never exceed Tail.
	input := `<think>abc</think>{"a": "` + strings.Repeat("x", 40) + `"}`
	for i := 0; i < len(input); i++ {
		p.Feed(input[i : i+1])
		if len(p.carry) > Tail {
			t.Fatalf("carry grew to %d bytes, bound is %d", len(p.carry), Tail)
		}
	}
}

func TestPreprocessFeedReturnsEmittedPrefix(t *testing.T) {
	var p Preprocessor
	input := `{"a": 1} and more trailing text`
	out := p.Feed(input)
	// Everything but the Tail suffix should have been emitted.
	if want := input[:len(input)-Tail]; out != want {
		t.Errorf("Feed returned %q, want %q", out, want)
	}
	tail := p.Finalize()
	if out+tail != input {
		t.Errorf("emitted %q + tail %q does not reconstruct the input", out, tail)
	}
}

func TestPreprocessHasFences(t *testing.T) {
	var p Preprocessor
	p.Feed("text without any markers, long enough to scan")
	if p.HasFences() {
		t.Error("HasFences true without fences")
	}
	p.Feed("```json\n{}\n```")
	p.Finalize()
	if !p.HasFences() {
		t.Error("HasFences false after a fence was fed")
	}
}
