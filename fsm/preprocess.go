// Package fsm implements the streaming text preprocessor and the JSON
// extraction state machine. Both are chunk-resumable: they can be fed
// arbitrary slices of the model output and produce the same result as a
// single-shot pass over the full text.
package fsm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
	fence      = "```"
)

// Tail is the number of trailing bytes held back on every Feed so that no
// marker can be split across a chunk boundary. Every recognized marker has
// length <= Tail+1, so a marker straddling a boundary is always fully
// contained in the carry and is seen intact on the next Feed or on Finalize.
const Tail = len(thinkClose) - 1

// Preprocessor removes <think>...</think> regions from a character stream
// and accumulates two candidate outputs: everything kept, and only the
// content found inside ``` fences (with fence markers and language tag
// lines elided). The fence-only stream wins at Result time when any fence
// was observed, because fenced content is a much stronger signal of intent
// than the surrounding prose.
type Preprocessor struct {
	inThink           bool
	fenceOpen         bool
	fenceLangCaptured bool
	hasFences         bool

	carry     string
	fenceOnly strings.Builder
	all       strings.Builder
}

// Feed appends chunk to the carry, scans everything except the trailing
// Tail bytes, and returns the characters kept by this call. The returned
// prefix is the all-content stream (think regions and markers removed);
// callers that forward to the extractor use it directly.
func (p *Preprocessor) Feed(chunk string) string {
	buf := p.carry + chunk
	if len(buf) <= Tail {
		p.carry = buf
		return ""
	}
	out, consumed := p.scan(buf, len(buf)-Tail)
	p.carry = buf[consumed:]
	return out
}

// Finalize scans whatever remains in the carry with the same rules as Feed
// and resets it. It returns the tail characters kept so they can be fed to
// the extractor before its own finalization.
func (p *Preprocessor) Finalize() string {
	if p.carry == "" {
		return ""
	}
	rest := p.carry
	p.carry = ""
	out, _ := p.scan(rest, len(rest))
	return out
}

// Result returns the cleaned text after Finalize: the concatenation of all
// fenced-block contents when any fence was seen, otherwise everything that
// survived think-region removal.
func (p *Preprocessor) Result() string {
	if p.hasFences {
		return p.fenceOnly.String()
	}
	return p.all.String()
}

// HasFences reports whether any ``` marker has been observed so far.
func (p *Preprocessor) HasFences() bool { return p.hasFences }

// scan walks buf byte by byte up to limit, consuming markers and routing
// kept characters into the two accumulation streams. Marker lookahead runs
// over the whole of buf, so a marker crossing limit is consumed in one
// piece rather than split; the returned index is where scanning stopped.
// Every position below limit has at least Tail+1 bytes of lookahead, which
// covers the longest marker. Structural markers are all ASCII, so
// byte-wise scanning passes multi-byte UTF-8 sequences through untouched.
func (p *Preprocessor) scan(buf string, limit int) (string, int) {
	var out strings.Builder
	i := 0
	for i < limit {
		if strings.HasPrefix(buf[i:], thinkOpen) {
			p.inThink = true
			i += len(thinkOpen)
			continue
		}
		if p.inThink && strings.HasPrefix(buf[i:], thinkClose) {
			p.inThink = false
			i += len(thinkClose)
			continue
		}
		if strings.HasPrefix(buf[i:], fence) {
			p.hasFences = true
			p.fenceOpen = !p.fenceOpen
			p.fenceLangCaptured = false
			i += len(fence)
			continue
		}

		c := buf[i]

		if p.inThink {
			i++
			continue
		}

		// The first line after an opening fence is the language tag; it is
		// swallowed up to and including the newline.
		if p.fenceOpen && !p.fenceLangCaptured {
			if c == '\n' {
				p.fenceLangCaptured = true
			}
			i++
			continue
		}

		if p.fenceOpen {
			p.fenceOnly.WriteByte(c)
		}
		p.all.WriteByte(c)
		out.WriteByte(c)
		i++
	}
	return out.String(), i
}

// Clean runs the preprocessor over a complete text in one shot and returns
// the cleaned result with the fence decision applied.
func Clean(text string) string {
	var p Preprocessor
	p.Feed(text)
	p.Finalize()
	return p.Result()
}
