// Stream orchestration: upstream SSE is copied downstream byte-for-byte
// with zero added latency, while assistant content deltas are tapped into
// the preprocessor and extractor for the side-channel artifact. Repair
// never withholds or rewrites streamed bytes.
package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rozetyp/streamfix/fsm"
	"github.com/rozetyp/streamfix/repair"
)

// errClientWrite marks a downstream write failure (client went away); the
// relay distinguishes it from upstream read errors because only the latter
// produce a FAILED artifact.
var errClientWrite = errors.New("client write failed")

// streamFixer owns the per-request preprocessor and extractor. Both are
// exclusively owned by the request's orchestrator task and never shared.
type streamFixer struct {
	pre      *fsm.Preprocessor
	ex       *fsm.Extractor
	doneSeen bool
}

func newStreamFixer(maxChars int, root fsm.RootHint) *streamFixer {
	return &streamFixer{
		pre: &fsm.Preprocessor{},
		ex:  fsm.NewExtractor(maxChars, root),
	}
}

// observeLine inspects a single SSE line. Data lines are parsed as OpenAI
// stream events and the first choice's content delta is fed through the
// preprocessor into the extractor; anything that does not parse is ignored
// (it was already forwarded verbatim).
func (f *streamFixer) observeLine(line string) {
	// A pipeline fault must never break the relay; the bytes in this line
	// were already forwarded downstream.
	defer func() { _ = recover() }()

	if f.doneSeen {
		return
	}
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "" {
		return
	}
	if payload == "[DONE]" {
		f.doneSeen = true
		return
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}
	if content := chunk.deltaContent(); content != "" {
		if emitted := f.pre.Feed(content); emitted != "" {
			f.ex.Feed(emitted)
		}
	}
}

// pipelineOutcome is the result of finalizing extraction and repair.
type pipelineOutcome struct {
	ExtractStatus fsm.Status
	Original      string
	Repaired      string
	Applied       []string
	ParseOK       bool
	ParseErr      string
	// Status is the artifact status before any schema verdict is applied.
	Status string
}

// finalize flushes the preprocessor carry into the extractor, finalizes
// extraction, and runs the repair pass over the captured text. A fault in
// any pipeline stage degrades to a FAILED artifact; the streamed bytes have
// already reached the client.
func (f *streamFixer) finalize() (out pipelineOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = pipelineOutcome{
				ExtractStatus: fsm.StatusFailed,
				Status:        StatusFailed,
				ParseErr:      fmt.Sprintf("pipeline fault: %v", r),
			}
		}
	}()

	if tail := f.pre.Finalize(); tail != "" {
		f.ex.Feed(tail)
	}
	f.ex.Finalize()
	text, status := f.ex.Result()
	return finishPipeline(text, status, f.ex)
}

// finishPipeline runs repair over an extraction result and classifies the
// outcome for the artifact.
func finishPipeline(text string, status fsm.Status, ex *fsm.Extractor) pipelineOutcome {
	out := pipelineOutcome{ExtractStatus: status, Original: text, Repaired: text}
	if status == fsm.StatusFailed || text == "" {
		out.Status = StatusFailed
		return out
	}

	ctx := repair.Context{
		Truncated: !ex.Balanced() && ex.Depth() > 0,
		InString:  ex.InString(),
	}
	repaired, applied := repair.Repair(text, ctx)
	ok, _, errMsg := repair.AttemptParse(repaired)

	out.Repaired = repaired
	out.Applied = applied
	out.ParseOK = ok
	out.ParseErr = errMsg
	switch {
	case !ok:
		out.Status = StatusFailed
	case len(applied) > 0:
		out.Status = StatusRepaired
	default:
		out.Status = StatusPassthrough
	}
	return out
}

// runPipeline is the one-shot path used by the non-streaming handler, the
// /test endpoint, and the CLI: preprocess the complete text (fence decision
// applied), extract the first root, repair.
func runPipeline(content string, maxChars int, root fsm.RootHint) pipelineOutcome {
	text, status, ex := fsm.ExtractJSON(content, maxChars, root)
	return finishPipeline(text, status, ex)
}

// relayUpstream copies upstream SSE lines to w verbatim, flushing after
// every data line, and feeds each line to the fixer. It returns nil on
// normal upstream termination, errClientWrite (wrapped) when the
// downstream write fails, and the read error otherwise.
func relayUpstream(w io.Writer, flusher http.Flusher, body io.Reader, fixer *streamFixer) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if _, werr := io.WriteString(w, line); werr != nil {
				return fmt.Errorf("%w: %v", errClientWrite, werr)
			}
			if strings.HasPrefix(line, "data:") {
				flusher.Flush()
			}
			fixer.observeLine(line)
		}
		if err != nil {
			flusher.Flush()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
