package fsm

import "strings"

// Status is the terminal verdict of an extraction.
type Status string

const (
	StatusDone      Status = "DONE"
	StatusTruncated Status = "TRUNCATED"
	StatusFailed    Status = "FAILED"
)

// RootHint optionally constrains which opening delimiter starts extraction.
type RootHint string

const (
	RootAny    RootHint = ""
	RootObject RootHint = "object"
	RootArray  RootHint = "array"
)

type phase int

const (
	seekStart phase = iota
	inJSON
	done
	failed
)

// Extractor recognizes the first balanced JSON object or array in a byte
// stream, tolerating arbitrary bytes before the opening delimiter. Depth
// accounting is suppressed inside string literals, so braces in values
// never corrupt the balance. DONE and FAILED are absorbing.
type Extractor struct {
	phase       phase
	depth       int
	inString    bool
	escape      bool
	startedWith byte
	buf         strings.Builder
	maxChars    int
	root        RootHint
	completable bool
}

// DefaultMaxChars caps the extraction buffer when no explicit limit is set.
const DefaultMaxChars = 200000

// NewExtractor returns an Extractor with the given buffer cap and root
// constraint. maxChars <= 0 selects DefaultMaxChars.
func NewExtractor(maxChars int, root RootHint) *Extractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Extractor{maxChars: maxChars, root: root}
}

// Feed consumes text byte by byte. It is a no-op once the extractor has
// reached a terminal phase.
func (e *Extractor) Feed(text string) {
	if e.phase == done || e.phase == failed {
		return
	}
	for i := 0; i < len(text); i++ {
		ch := text[i]

		if e.phase == seekStart {
			if e.root == RootObject && ch != '{' {
				continue
			}
			if e.root == RootArray && ch != '[' {
				continue
			}
			if ch == '{' || ch == '[' {
				e.phase = inJSON
				e.startedWith = ch
				e.depth = 1
				e.buf.WriteByte(ch)
			}
			continue
		}

		// inJSON: every byte lands in the buffer.
		e.buf.WriteByte(ch)

		if e.inString {
			switch {
			case e.escape:
				e.escape = false
			case ch == '\\':
				e.escape = true
			case ch == '"':
				e.inString = false
			}
		} else {
			switch ch {
			case '"':
				e.inString = true
			case '{', '[':
				e.depth++
			case '}', ']':
				e.depth--
				if e.depth == 0 {
					e.phase = done
					return
				}
			}
		}

		if e.buf.Len() >= e.maxChars {
			e.phase = failed
			return
		}
	}
}

// Finalize marks the stream as ended. When the extractor is mid-value but
// outside any string literal, the result is eligible for the
// TRUNCATED-to-DONE upgrade: the caller asserted there is no more input, so
// closing the open containers is the best the pipeline can do.
func (e *Extractor) Finalize() {
	if e.phase == inJSON && !e.inString && e.buf.Len() > 0 {
		e.completable = true
	}
}

// Result returns the captured text and the terminal status.
func (e *Extractor) Result() (string, Status) {
	switch e.phase {
	case done:
		return e.buf.String(), StatusDone
	case inJSON:
		text := e.buf.String()
		if e.completable && !e.inString && text != "" {
			return text, StatusDone
		}
		return text, StatusTruncated
	default:
		return "", StatusFailed
	}
}

// Depth returns the current nesting depth. It never goes negative: closers
// with no matching opener only appear inside IN_JSON, where depth 0
// immediately terminates at DONE.
func (e *Extractor) Depth() int { return e.depth }

// InString reports whether the scan position is inside a string literal.
func (e *Extractor) InString() bool { return e.inString }

// StartedWith returns the opening delimiter of the captured root ('{' or
// '['), or 0 before extraction has begun.
func (e *Extractor) StartedWith() byte { return e.startedWith }

// Balanced reports whether the extractor saw a fully balanced root.
func (e *Extractor) Balanced() bool { return e.phase == done }

// ExtractJSON runs the full preprocess-then-extract pipeline over a
// complete text: think regions removed, fence decision applied, then the
// first balanced JSON root captured. It returns the extracted text and the
// extractor that produced it so callers can inspect the terminal context.
func ExtractJSON(content string, maxChars int, root RootHint) (string, Status, *Extractor) {
	ex := NewExtractor(maxChars, root)
	if content == "" {
		return "", StatusFailed, ex
	}
	ex.Feed(Clean(content))
	ex.Finalize()
	text, status := ex.Result()
	return text, status, ex
}
