package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/service/trace"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("assay_get_run",
			mcplib.WithDescription(`Fetch one recommendation run: its status, the batch it belongs to and,
once completed, the validated output (recipes, resolved citations and the
experience items it drew on).

WHEN TO USE: Start here when auditing a run. Follow up with
assay_list_events to see how the output was produced.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier (run_...)"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("assay_list_events",
			mcplib.WithDescription(`List a run's trace events in the order they were recorded.

Every retrieval (kb_query), experience search (mem_search), model call
(llm_request / llm_response) and lifecycle change is one event. Long text in
payloads is truncated; pass include_payload=false to list types only.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithArray("types",
				mcplib.Description("Only return events of these types, e.g. [\"kb_query\", \"llm_response\"]"),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("cursor", mcplib.Description("Opaque cursor from a previous page")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(50),
			),
			mcplib.WithBoolean("include_payload",
				mcplib.Description("Include (truncated) event payloads"),
				mcplib.DefaultBool(true),
			),
		),
		s.handleListEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("assay_resolve_alias",
			mcplib.WithDescription(`Resolve a citation alias such as C3 (or [C3]) used in a run's output to the
canonical evidence reference, together with the retrieved text it stood for.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithString("alias", mcplib.Description("Alias token, with or without brackets"), mcplib.Required()),
		),
		s.handleResolveAlias,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("assay_worker_status",
			mcplib.WithDescription("Report whether the execution worker is alive, what it is working on, and how many batches, runs and jobs hold each status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleWorkerStatus,
	)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return lookupError("run", err), nil
	}
	batch, err := s.db.GetBatch(ctx, run.BatchID)
	if err != nil {
		return lookupError("batch", err), nil
	}
	return jsonResult(compactRun(run, batch))
}

func (s *Server) handleListEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	var types []model.EventType
	for _, t := range request.GetStringSlice("types", nil) {
		types = append(types, model.EventType(t))
	}
	page, err := s.trace.List(ctx, runID, trace.ListParams{
		Cursor:         request.GetString("cursor", ""),
		Limit:          request.GetInt("limit", 50),
		Types:          types,
		IncludePayload: request.GetBool("include_payload", true),
	})
	if err != nil {
		return lookupError("events", err), nil
	}

	events := make([]map[string]any, len(page.Items))
	for i, e := range page.Items {
		events[i] = compactEvent(e)
	}
	out := map[string]any{
		"events":   events,
		"has_more": page.HasMore,
	}
	if page.NextCursor != nil {
		out["next_cursor"] = *page.NextCursor
	}
	return jsonResult(out)
}

func (s *Server) handleResolveAlias(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	alias := trimAlias(request.GetString("alias", ""))
	if runID == "" || alias == "" {
		return errorResult("run_id and alias are required"), nil
	}
	ev, err := s.citations.Evidence(ctx, runID, alias)
	if err != nil {
		return lookupError("alias", err), nil
	}
	return jsonResult(ev)
}

func (s *Server) handleWorkerStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.reporter == nil {
		return errorResult("worker status is unavailable"), nil
	}
	report, err := s.reporter.Report(ctx)
	if err != nil {
		s.logger.Error("mcp: worker report", "error", err)
		return errorResult("worker status is unavailable"), nil
	}
	return jsonResult(report)
}

// trimAlias accepts "C3" and "[C3]".
func trimAlias(a string) string {
	if len(a) >= 2 && a[0] == '[' && a[len(a)-1] == ']' {
		return a[1 : len(a)-1]
	}
	return a
}

func lookupError(what string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return errorResult(fmt.Sprintf("%s not found", what))
	case errors.Is(err, model.ErrInvalidArgument):
		return errorResult(err.Error())
	default:
		return errorResult(fmt.Sprintf("failed to load %s: %v", what, err))
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
