package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/rozetyp/streamfix/fsm"
)

// ChatMessage is a single turn in an OpenAI-style conversation. Content is
// kept raw: clients send either a plain string or an array of typed parts,
// and the proxy forwards both untouched.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatRequest is the typed view of an incoming chat-completions request,
// including the StreamFix extension fields. Unknown OpenAI fields are
// preserved for forwarding via the raw body, not this struct.
type ChatRequest struct {
	Model    string                     `json:"model"`
	Messages []ChatMessage              `json:"messages"`
	Stream   bool                       `json:"stream,omitempty"`
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`

	// Schema is the optional client-supplied JSON Schema the repaired
	// output is validated against.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// StreamFixMetadata carries the per-request hints nested under
// metadata.streamfix.
type StreamFixMetadata struct {
	JSONRoot    string `json:"json_root,omitempty"` // "object" | "array"
	RulePackKey string `json:"rule_pack_key,omitempty"`
}

// StreamFix extracts the streamfix metadata block; a missing or malformed
// block yields the zero value rather than an error, so hints can never
// break a request.
func (r *ChatRequest) StreamFix() StreamFixMetadata {
	var meta StreamFixMetadata
	raw, ok := r.Metadata["streamfix"]
	if !ok {
		return meta
	}
	_ = json.Unmarshal(raw, &meta)
	return meta
}

// RootHint translates the json_root hint into the extractor's constraint.
func (m StreamFixMetadata) RootHint() fsm.RootHint {
	switch m.JSONRoot {
	case "object":
		return fsm.RootObject
	case "array":
		return fsm.RootArray
	default:
		return fsm.RootAny
	}
}

// prepareUpstreamBody strips the StreamFix extension fields from the raw
// request body so the upstream sees a plain OpenAI request.
func prepareUpstreamBody(raw []byte) ([]byte, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	delete(body, "schema")
	delete(body, "metadata")
	return json.Marshal(body)
}

// streamChunk is the minimal shape of an OpenAI streaming event needed to
// pull out the assistant content delta.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content json.RawMessage `json:"content"`
		} `json:"delta"`
		Index int `json:"index"`
	} `json:"choices"`
}

// deltaContent returns the content delta of the first choice when it is a
// JSON string, or "" otherwise.
func (c *streamChunk) deltaContent() string {
	if len(c.Choices) == 0 || len(c.Choices[0].Delta.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Choices[0].Delta.Content, &s); err != nil {
		return ""
	}
	return s
}

// ErrorResponse is the OpenAI-format error envelope.
type ErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// sendError writes an OpenAI-format error response with the given status.
func sendError(w http.ResponseWriter, errorType string, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	var resp ErrorResponse
	resp.Error.Type = errorType
	resp.Error.Message = message
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
