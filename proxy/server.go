// Package proxy implements the StreamFix HTTP surface: an OpenAI-compatible
// chat-completions passthrough that extracts and repairs JSON from model
// output, plus the side-channel endpoints for retrieving repair artifacts.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rozetyp/streamfix/config"
	"github.com/rozetyp/streamfix/fsm"
	"github.com/rozetyp/streamfix/ratelimit"
	"github.com/rozetyp/streamfix/repair"
	"github.com/rozetyp/streamfix/schema"
	"github.com/rozetyp/streamfix/telemetry"
	"github.com/rozetyp/streamfix/upstream"
)

// RequestIDHeader advertises the side-channel key to the client.
const RequestIDHeader = "X-StreamFix-Request-Id"

// ProxyServer is an HTTP server that forwards OpenAI chat-completions
// requests upstream, streams the response back untouched, and records a
// repair artifact per request.
type ProxyServer struct {
	cfg       *config.Config
	store     *ArtifactStore
	telemetry *telemetry.Collector
	limiter   *ratelimit.Registry
	upstream  *upstream.Client

	// streamSem caps the number of concurrently relayed streams.
	streamSem chan struct{}
}

// NewProxyServer constructs a ProxyServer wired to the provided config.
// Telemetry uses a SQLite database; if it cannot be opened, telemetry is
// disabled with a warning rather than preventing startup.
func NewProxyServer(cfg *config.Config) (*ProxyServer, error) {
	tel, err := telemetry.NewCollector(cfg.TelemetryPath())
	if err != nil {
		log.Printf("Warning: telemetry disabled: %v", err)
		tel = nil
	}

	return &ProxyServer{
		cfg:       cfg,
		store:     NewArtifactStore(cfg.ArtifactCapacity),
		telemetry: tel,
		limiter:   ratelimit.NewRegistry(cfg.MaxRPM),
		upstream:  upstream.New(cfg),
		streamSem: make(chan struct{}, cfg.MaxConcurrentStreams),
	}, nil
}

// Handler returns the full route table wrapped in the logging middleware.
func (p *ProxyServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", p.handleChatCompletions)
	mux.HandleFunc("/result/", p.handleResult)
	mux.HandleFunc("/test", p.handleTest)
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/healthz", p.handleHealth)
	mux.HandleFunc("/metrics", p.handleMetrics)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			p.handleHealth(w, r)
			return
		}
		http.NotFound(w, r)
	})
	return loggingMiddleware(mux)
}

// Start begins listening. It blocks until the server returns an error.
func (p *ProxyServer) Start() error {
	addr := net.JoinHostPort(p.cfg.Host, fmt.Sprintf("%d", p.cfg.Port))
	log.Printf("streamfix proxy starting on %s", addr)
	log.Printf("Upstream: %s", p.cfg.UpstreamBaseURL)
	log.Printf("Endpoint: http://%s/v1/chat/completions", addr)
	return http.ListenAndServe(addr, p.Handler())
}

// handleChatCompletions is the primary handler. It:
//  1. Applies the per-client rate limit.
//  2. Parses the incoming OpenAI request and its StreamFix extensions.
//  3. Forwards the request upstream with the extensions stripped.
//  4. Relays the response (streams under the concurrency cap) while
//     driving the preprocess/extract pipeline.
//  5. Records a repair artifact keyed by the advertised request id.
func (p *ProxyServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, "invalid_request_error", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !p.limiter.Allow(clientKey(r)) {
		sendError(w, "rate_limit_error", "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendError(w, "invalid_request_error", "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendError(w, "invalid_request_error", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		sendError(w, "invalid_request_error", "messages is required", http.StatusBadRequest)
		return
	}
	if len(req.Schema) > 0 {
		if err := schema.Check(req.Schema); err != nil {
			sendError(w, "invalid_request_error", err.Error(), http.StatusBadRequest)
			return
		}
	}

	meta := req.StreamFix()
	requestID := newRequestID()

	upstreamBody, err := prepareUpstreamBody(body)
	if err != nil {
		sendError(w, "invalid_request_error", "Invalid JSON body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.cfg.MaxStreamSeconds)*time.Second)
	defer cancel()

	start := time.Now()

	if req.Stream {
		p.handleStreaming(ctx, w, upstreamBody, req, meta, requestID, start)
		return
	}
	p.handleNonStreaming(ctx, w, upstreamBody, req, meta, requestID, start)
}

// handleStreaming relays upstream SSE downstream byte-for-byte and
// finalizes the repair pipeline when the stream ends.
func (p *ProxyServer) handleStreaming(
	ctx context.Context,
	w http.ResponseWriter,
	upstreamBody []byte,
	req ChatRequest,
	meta StreamFixMetadata,
	requestID string,
	start time.Time,
) {
	select {
	case p.streamSem <- struct{}{}:
		defer func() { <-p.streamSem }()
	default:
		sendError(w, "rate_limit_error", "Too many concurrent streams", http.StatusTooManyRequests)
		return
	}

	resp, err := p.upstream.ChatCompletions(ctx, upstreamBody, true)
	if err != nil {
		p.sendUpstreamError(w, ctx, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.forwardUpstreamFailure(w, resp)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, "api_error", "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set(RequestIDHeader, requestID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fixer := newStreamFixer(p.cfg.MaxJSONChars, meta.RootHint())
	relayErr := relayUpstream(w, flusher, resp.Body, fixer)

	if errors.Is(relayErr, errClientWrite) {
		// Client went away: discard pipeline state, no artifact.
		log.Printf("stream %s: client disconnected, artifact discarded", requestID)
		return
	}

	out := fixer.finalize()
	if relayErr != nil {
		// Upstream died mid-stream; record what we have.
		log.Printf("stream %s: upstream error: %v", requestID, relayErr)
		out.Status = StatusFailed
	}

	art := p.buildArtifact(requestID, req.Model, meta, out)
	p.applySchema(art, &out, req.Schema)
	p.store.Insert(art)
	p.record(requestID, req.Model, true, art, time.Since(start))
}

// handleNonStreaming forwards the request, runs the pipeline over the full
// response content, and replaces the content only when repair changed it
// and the result parses.
func (p *ProxyServer) handleNonStreaming(
	ctx context.Context,
	w http.ResponseWriter,
	upstreamBody []byte,
	req ChatRequest,
	meta StreamFixMetadata,
	requestID string,
	start time.Time,
) {
	resp, err := p.upstream.ChatCompletions(ctx, upstreamBody, false)
	if err != nil {
		p.sendUpstreamError(w, ctx, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.forwardUpstreamFailure(w, resp)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		sendError(w, "api_error", "Failed to read upstream response", http.StatusBadGateway)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		sendError(w, "api_error", "Failed to parse upstream response", http.StatusBadGateway)
		return
	}

	content := messageContent(payload)
	out := runPipeline(content, p.cfg.MaxJSONChars, meta.RootHint())

	art := p.buildArtifact(requestID, req.Model, meta, out)
	p.applySchema(art, &out, req.Schema)
	p.store.Insert(art)
	p.record(requestID, req.Model, false, art, time.Since(start))

	// The original content is never silently replaced: only a repair that
	// changed the text and produced parseable JSON is surfaced.
	if out.ParseOK && out.Repaired != content && out.Repaired != "" {
		setMessageContent(payload, out.Repaired)
	}

	w.Header().Set(RequestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

// sendUpstreamError maps transport failures: deadline exhaustion surfaces
// as 504, everything else as 502.
func (p *ProxyServer) sendUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	if ctx.Err() == context.DeadlineExceeded {
		sendError(w, "timeout_error", "Upstream request timed out", http.StatusGatewayTimeout)
		return
	}
	sendError(w, "api_error", "Upstream request failed: "+err.Error(), http.StatusBadGateway)
}

// forwardUpstreamFailure reports a non-2xx upstream response. Transient
// upstream conditions (429/5xx) map to 502; other statuses (e.g. 400, 401)
// are preserved so the client sees the original provider error.
func (p *ProxyServer) forwardUpstreamFailure(w http.ResponseWriter, resp *http.Response) {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	status := resp.StatusCode
	if upstream.IsRetryableStatus(status) {
		status = http.StatusBadGateway
	}
	sendError(w, "upstream_error",
		fmt.Sprintf("Upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		status)
}

// buildArtifact assembles the side-channel record for a finalized request.
func (p *ProxyServer) buildArtifact(requestID, model string, meta StreamFixMetadata, out pipelineOutcome) *Artifact {
	return &Artifact{
		RequestID:       requestID,
		Timestamp:       time.Now().UTC(),
		Model:           model,
		OriginalContent: out.Original,
		RepairedContent: out.Repaired,
		RepairsApplied:  out.Applied,
		ParseSuccess:    out.ParseOK,
		Status:          out.Status,
		RulePack:        meta.RulePackKey,
	}
}

// applySchema validates the repaired JSON when the request carried a
// schema. The verdict is side-channel only: it changes the artifact, never
// the client response.
func (p *ProxyServer) applySchema(art *Artifact, out *pipelineOutcome, schemaRaw []byte) {
	if len(schemaRaw) == 0 || !out.ParseOK {
		return
	}
	valid, errs, err := schema.Validate(out.Repaired, schemaRaw)
	if err != nil {
		log.Printf("schema validation error: %v", err)
		return
	}
	art.SchemaValid = &valid
	if !valid {
		art.Status = StatusSchemaInvalid
		art.SchemaErrors = errs
	}
}

// record writes the telemetry row for a finalized request (non-fatal).
func (p *ProxyServer) record(requestID, model string, stream bool, art *Artifact, latency time.Duration) {
	if p.telemetry == nil {
		return
	}
	if err := p.telemetry.RecordRepair(telemetry.RepairEvent{
		ID:             requestID,
		Model:          model,
		Stream:         stream,
		Status:         art.Status,
		ParseOK:        art.ParseSuccess,
		RepairsApplied: art.RepairsApplied,
		LatencyMs:      int(latency.Milliseconds()),
	}); err != nil {
		log.Printf("telemetry: failed to record repair event: %v", err)
	}
}

// handleResult returns the artifact for /result/{id}, or 404 when the id is
// unknown or already evicted.
func (p *ProxyServer) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, "invalid_request_error", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/result/")
	if id == "" || strings.Contains(id, "/") {
		sendError(w, "invalid_request_error", "Missing request id", http.StatusBadRequest)
		return
	}
	art, ok := p.store.Lookup(id)
	if !ok {
		sendError(w, "not_found_error", "Request ID not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(art) //nolint:errcheck
}

// testRequest is the /test endpoint request body.
type testRequest struct {
	BrokenJSON string `json:"broken_json"`
}

// RepairResult is the outcome of a direct repair: the /test response shape,
// shared by the MCP repair tool and the repair CLI subcommand.
type RepairResult struct {
	Success   bool   `json:"success"`
	Original  string `json:"original"`
	Repaired  string `json:"repaired"`
	ValidJSON bool   `json:"valid_json"`
	Error     string `json:"error,omitempty"`
}

// handleTest runs the full preprocess/extract/repair pipeline over a
// directly supplied text, without touching the upstream.
func (p *ProxyServer) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, "invalid_request_error", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid_request_error", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	result := RepairText(req.BrokenJSON, p.cfg.MaxJSONChars)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result) //nolint:errcheck
}

// RepairText is the direct-repair pipeline shared by /test, the MCP repair
// tool, and the repair CLI subcommand.
func RepairText(broken string, maxChars int) RepairResult {
	if json.Valid([]byte(broken)) {
		return RepairResult{
			Success:   true,
			Original:  broken,
			Repaired:  broken,
			ValidJSON: true,
			Error:     "input JSON was already valid",
		}
	}

	out := runPipeline(broken, maxChars, fsm.RootAny)
	if out.Original == "" {
		// Extraction found no root at all; fall back to repairing the raw
		// text directly.
		repaired, _ := repair.Repair(broken, repair.Context{})
		ok, _, errMsg := repair.AttemptParse(repaired)
		res := RepairResult{
			Success:   ok,
			Original:  broken,
			Repaired:  repaired,
			ValidJSON: ok,
		}
		if !ok {
			res.Error = "Repair failed: " + errMsg
		}
		return res
	}

	res := RepairResult{
		Success:   out.ParseOK,
		Original:  broken,
		Repaired:  out.Repaired,
		ValidJSON: out.ParseOK,
	}
	if !out.ParseOK {
		res.Error = "Repair failed: " + out.ParseErr
	}
	return res
}

// handleHealth returns a simple JSON status payload for liveness probes.
func (p *ProxyServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":    "ok",
		"service":   "streamfix",
		"artifacts": p.store.Len(),
	})
}

// handleMetrics returns aggregate repair statistics from telemetry.
func (p *ProxyServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if p.telemetry == nil {
		sendError(w, "api_error", "Telemetry not available", http.StatusServiceUnavailable)
		return
	}
	stats, err := p.telemetry.GetStats()
	if err != nil {
		sendError(w, "api_error", "Failed to get stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats) //nolint:errcheck
}

// newRequestID generates the side-channel key in the req_<12 hex> shape.
func newRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// clientKey identifies the caller for rate limiting: the bearer token when
// present, otherwise the remote host.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// messageContent extracts choices[0].message.content when it is a string.
func messageContent(payload map[string]any) string {
	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}

// setMessageContent replaces choices[0].message.content in place.
func setMessageContent(payload map[string]any, content string) {
	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return
	}
	message["content"] = content
}

// loggingMiddleware logs the method, path, remote address, and elapsed time
// for every request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("<- %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("-> %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}
