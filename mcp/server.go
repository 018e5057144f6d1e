package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rozetyp/streamfix/fsm"
	"github.com/rozetyp/streamfix/proxy"
	"github.com/rozetyp/streamfix/schema"
	"github.com/rozetyp/streamfix/telemetry"
)

// MCPServer exposes StreamFix capabilities over the Model Context Protocol
// using stdio transport. It registers four tools: repair, extract,
// validate, and stats.
type MCPServer struct {
	telemetry *telemetry.Collector
	maxChars  int
}

// NewMCPServer constructs an MCPServer. tel may be nil, in which case the
// stats tool reports unavailability.
func NewMCPServer(tel *telemetry.Collector, maxChars int) *MCPServer {
	return &MCPServer{telemetry: tel, maxChars: maxChars}
}

// Start registers all tools with a new MCP server and begins serving
// requests over stdio. It blocks until stdin is closed or an error occurs.
func (m *MCPServer) Start() error {
	s := server.NewMCPServer(
		"streamfix",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(mcpgo.NewTool("repair",
		mcpgo.WithDescription("Extract and repair the first JSON value from noisy model output"),
		mcpgo.WithString("content",
			mcpgo.Required(),
			mcpgo.Description("The text containing broken or noisy JSON"),
		),
	), m.handleRepair)

	s.AddTool(mcpgo.NewTool("extract",
		mcpgo.WithDescription("Extract the first JSON value without repairing it — returns text and status"),
		mcpgo.WithString("content",
			mcpgo.Required(),
			mcpgo.Description("The text to extract JSON from"),
		),
		mcpgo.WithString("root",
			mcpgo.Description("Constrain the root kind: object or array"),
		),
	), m.handleExtract)

	s.AddTool(mcpgo.NewTool("validate",
		mcpgo.WithDescription("Repair JSON and validate the result against a Draft-07 JSON Schema"),
		mcpgo.WithString("content",
			mcpgo.Required(),
			mcpgo.Description("The text containing the JSON to validate"),
		),
		mcpgo.WithString("schema",
			mcpgo.Required(),
			mcpgo.Description("The JSON Schema to validate against"),
		),
	), m.handleValidate)

	s.AddTool(mcpgo.NewTool("stats",
		mcpgo.WithDescription("Show aggregate repair statistics"),
	), m.handleStats)

	return server.ServeStdio(s)
}

// handleRepair runs the full pipeline and returns the /test result shape.
func (m *MCPServer) handleRepair(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	result := proxy.RepairText(content, m.maxChars)

	b, err := json.Marshal(result)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// extractResult is the JSON shape returned by the extract tool.
type extractResult struct {
	JSON   string `json:"json"`
	Status string `json:"status"`
}

// handleExtract runs preprocessing and extraction only.
func (m *MCPServer) handleExtract(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	root := fsm.RootAny
	switch req.GetString("root", "") {
	case "object":
		root = fsm.RootObject
	case "array":
		root = fsm.RootArray
	}

	text, status, _ := fsm.ExtractJSON(content, m.maxChars, root)

	b, err := json.Marshal(extractResult{JSON: text, Status: string(status)})
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// validateResult is the JSON shape returned by the validate tool.
type validateResult struct {
	Repaired string         `json:"repaired"`
	Valid    bool           `json:"valid"`
	Errors   []schema.Error `json:"errors,omitempty"`
}

// handleValidate repairs the content and checks the result against the
// supplied schema.
func (m *MCPServer) handleValidate(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	schemaText, err := req.RequireString("schema")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	if err := schema.Check([]byte(schemaText)); err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	repaired := proxy.RepairText(content, m.maxChars)
	if !repaired.ValidJSON {
		return mcpgo.NewToolResultError("content could not be repaired into parseable JSON"), nil
	}

	valid, errs, err := schema.Validate(repaired.Repaired, []byte(schemaText))
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("validate: %v", err)), nil
	}

	b, err := json.Marshal(validateResult{Repaired: repaired.Repaired, Valid: valid, Errors: errs})
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// handleStats returns aggregate repair statistics from the telemetry
// collector.
func (m *MCPServer) handleStats(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if m.telemetry == nil {
		return mcpgo.NewToolResultError("telemetry collector not available"), nil
	}

	stats, err := m.telemetry.GetStats()
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("get stats: %v", err)), nil
	}

	b, err := json.Marshal(stats)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(b)), nil
}
