package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agenttrace/core/internal/query"
	"github.com/agenttrace/core/internal/validation"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listTracesTool(),
		s.getSessionDetailTool(),
		s.getEvalMetricsTool(),
		s.getSessionContextTool(),
	)
}

func (s *Server) listTracesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_traces",
		mcplib.WithDescription("List recent trace spans for a project"),
		mcplib.WithString("project_id", mcplib.Required(), mcplib.Description("Project id")),
		mcplib.WithString("limit", mcplib.Description("Max results, default 100")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListTraces}
}

func (s *Server) getSessionDetailTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session_detail",
		mcplib.WithDescription("Get every span recorded for a session"),
		mcplib.WithString("project_id", mcplib.Required(), mcplib.Description("Project id")),
		mcplib.WithString("session_id", mcplib.Required(), mcplib.Description("Session id")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetSessionDetail}
}

func (s *Server) getEvalMetricsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_eval_metrics",
		mcplib.WithDescription("Get evaluation metrics recorded against a span"),
		mcplib.WithString("project_id", mcplib.Required(), mcplib.Description("Project id")),
		mcplib.WithString("edge_id", mcplib.Required(), mcplib.Description("Span id, as hex")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetEvalMetrics}
}

func (s *Server) getSessionContextTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session_context",
		mcplib.WithDescription("Build a token-budgeted conversation context for a memory-agent session"),
		mcplib.WithString("content_session_id", mcplib.Required(), mcplib.Description("Content-addressable session id")),
		mcplib.WithString("token_budget", mcplib.Description("Max tokens to include, default 2000")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetSessionContext}
}

func (s *Server) handleListTraces(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	projectID, ok := parseUint16Arg(args, "project_id")
	if !ok {
		return mcplib.NewToolResultError("project_id is required"), nil
	}
	limit := 100
	if v, ok := args["limit"].(string); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	res, err := s.deps.Resources(projectID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to open project", err), nil
	}
	edges, total, err := res.Query.List(ctx, query.Filters{ProjectID: projectID}, query.Pagination{Limit: limit})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list traces", err), nil
	}
	data, err := json.Marshal(map[string]any{"traces": edges, "total": total})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal traces", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetSessionDetail(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	projectID, ok := parseUint16Arg(args, "project_id")
	if !ok {
		return mcplib.NewToolResultError("project_id is required"), nil
	}
	sessionID, ok := parseUint64Arg(args, "session_id")
	if !ok {
		return mcplib.NewToolResultError("session_id is required"), nil
	}

	res, err := s.deps.Resources(projectID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to open project", err), nil
	}
	edges, err := res.Query.SessionDetail(ctx, projectID, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get session %d", sessionID), err), nil
	}
	data, err := json.Marshal(edges)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal session", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetEvalMetrics(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	projectID, ok := parseUint16Arg(args, "project_id")
	if !ok {
		return mcplib.NewToolResultError("project_id is required"), nil
	}
	edgeIDStr, _ := args["edge_id"].(string)
	id, err := validation.SpanID(edgeIDStr)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid edge_id", err), nil
	}

	res, err := s.deps.Resources(projectID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to open project", err), nil
	}
	metrics, err := res.Evals.Get(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get eval metrics", err), nil
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal eval metrics", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetSessionContext(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Memory == nil {
		return mcplib.NewToolResultError("memory-agent store not configured"), nil
	}
	args := req.GetArguments()
	contentSessionID, _ := args["content_session_id"].(string)
	if contentSessionID == "" {
		return mcplib.NewToolResultError("content_session_id is required"), nil
	}
	budget := 2000
	if v, ok := args["token_budget"].(string); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			budget = n
		}
	}

	text, err := s.deps.Memory.BuildContext(ctx, contentSessionID, budget)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to build session context", err), nil
	}
	return toolResultJSON(text), nil
}

func parseUint16Arg(args map[string]any, key string) (uint16, bool) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func parseUint64Arg(args map[string]any, key string) (uint64, bool) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func toolResultJSON(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}
