package proxy

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rozetyp/streamfix/fsm"
)

// sseBody builds an SSE stream from content deltas, one data event per
// delta, terminated by [DONE].
func sseBody(deltas ...string) string {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":`)
		sb.WriteString(quoteJSON(d))
		sb.WriteString(`},"index":0}]}`)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func quoteJSON(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// TestRelayPassthroughBytes: everything read from upstream is written
// downstream byte-for-byte, including lines that are not data events.
func TestRelayPassthroughBytes(t *testing.T) {
	upstream := ": comment line\n" +
		"event: ping\n" +
		sseBody(`{"a": `, `1}`) +
		"trailing line without newline"

	rec := httptest.NewRecorder()
	fixer := newStreamFixer(0, fsm.RootAny)
	err := relayUpstream(rec, rec, strings.NewReader(upstream), fixer)
	if err != nil {
		t.Fatalf("relay error: %v", err)
	}

	if got := rec.Body.String(); got != upstream {
		t.Errorf("downstream bytes differ from upstream:\ngot:  %q\nwant: %q", got, upstream)
	}
}

func TestRelayFeedsDeltasToExtractor(t *testing.T) {
	rec := httptest.NewRecorder()
	fixer := newStreamFixer(0, fsm.RootAny)

	body := sseBody(`Sure! `, `{"name": `, `"John", `, `"age": 30}`)
	if err := relayUpstream(rec, rec, strings.NewReader(body), fixer); err != nil {
		t.Fatalf("relay error: %v", err)
	}

	out := fixer.finalize()
	if out.ExtractStatus != fsm.StatusDone {
		t.Fatalf("extract status = %s, want DONE", out.ExtractStatus)
	}
	if out.Original != `{"name": "John", "age": 30}` {
		t.Errorf("extracted %q", out.Original)
	}
	if !out.ParseOK {
		t.Error("repaired output does not parse")
	}
	if out.Status != StatusPassthrough {
		t.Errorf("status = %s, want PASSTHROUGH", out.Status)
	}
}

func TestRelayIgnoresMalformedDataLines(t *testing.T) {
	rec := httptest.NewRecorder()
	fixer := newStreamFixer(0, fsm.RootAny)

	body := "data: this is not json\n\n" +
		sseBody(`{"ok": true}`) +
		"data: {\"broken\n\n"
	if err := relayUpstream(rec, rec, strings.NewReader(body), fixer); err != nil {
		t.Fatalf("relay error: %v", err)
	}

	out := fixer.finalize()
	if out.Original != `{"ok": true}` {
		t.Errorf("extracted %q, want the well-formed delta only", out.Original)
	}
}

// TestStreamFixerRepairsTruncatedStream: the upstream dies before closing
// the JSON; finalization closes the containers.
func TestStreamFixerRepairsTruncatedStream(t *testing.T) {
	fixer := newStreamFixer(0, fsm.RootAny)
	for _, delta := range []string{`{"users":[`, `{"id":1},`, `{"id":2`} {
		if emitted := fixer.pre.Feed(delta); emitted != "" {
			fixer.ex.Feed(emitted)
		}
	}

	out := fixer.finalize()
	if out.Repaired != `{"users":[{"id":1},{"id":2}]}` {
		t.Errorf("repaired = %q", out.Repaired)
	}
	if !out.ParseOK {
		t.Error("repaired output does not parse")
	}
	if out.Status != StatusRepaired {
		t.Errorf("status = %s, want REPAIRED", out.Status)
	}
}

func TestStreamFixerStripsThinkRegion(t *testing.T) {
	fixer := newStreamFixer(0, fsm.RootAny)
	deltas := []string{"<think>let me", " reason</think>", `{"result": `, `"success"}`}
	for _, d := range deltas {
		fixer.observeLine(`data: {"choices":[{"delta":{"content":` + quoteJSON(d) + `},"index":0}]}` + "\n")
	}

	out := fixer.finalize()
	if out.Original != `{"result": "success"}` {
		t.Errorf("extracted %q", out.Original)
	}
	if out.Status != StatusPassthrough {
		t.Errorf("status = %s", out.Status)
	}
}

func TestObserveLineStopsAtDone(t *testing.T) {
	fixer := newStreamFixer(0, fsm.RootAny)
	fixer.observeLine(`data: {"choices":[{"delta":{"content":"{\"a\": 1}"},"index":0}]}` + "\n")
	fixer.observeLine("data: [DONE]\n")
	// Content after [DONE] must not be processed.
	fixer.observeLine(`data: {"choices":[{"delta":{"content":"{\"b\": 2}"},"index":0}]}` + "\n")

	out := fixer.finalize()
	if out.Original != `{"a": 1}` {
		t.Errorf("extracted %q, want content from before [DONE] only", out.Original)
	}
}

func TestRunPipelineScenarios(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantRepaired string
		wantStatus   string
		wantParse    bool
	}{
		{
			name:         "fenced clean json",
			content:      "```json\n{\"name\": \"John\", \"age\": 30}\n```",
			wantRepaired: `{"name": "John", "age": 30}`,
			wantStatus:   StatusPassthrough,
			wantParse:    true,
		},
		{
			name:         "trailing commas",
			content:      `{"items":[1,2,3,],}`,
			wantRepaired: `{"items":[1,2,3]}`,
			wantStatus:   StatusRepaired,
			wantParse:    true,
		},
		{
			name:       "no json at all",
			content:    "I could not produce any structured output, sorry.",
			wantStatus: StatusFailed,
			wantParse:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runPipeline(tt.content, 0, fsm.RootAny)
			if out.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", out.Status, tt.wantStatus)
			}
			if out.ParseOK != tt.wantParse {
				t.Errorf("ParseOK = %v, want %v", out.ParseOK, tt.wantParse)
			}
			if tt.wantRepaired != "" && out.Repaired != tt.wantRepaired {
				t.Errorf("repaired = %q, want %q", out.Repaired, tt.wantRepaired)
			}
		})
	}
}
