package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const runURIPrefix = "assay://runs/"

func (s *Server) registerResources() {
	// assay://worker/status: live worker status and ledger counts.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"assay://worker/status",
			"Worker Status",
			mcplib.WithResourceDescription("Execution worker liveness and per-status counts of batches, runs and jobs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleWorkerStatusResource,
	)

	// assay://runs/{id}: one run with its output.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{id}",
			"Run",
			mcplib.WithTemplateDescription("A recommendation run with its status and validated output"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleWorkerStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.reporter == nil {
		return nil, fmt.Errorf("mcp: worker status unavailable")
	}
	report, err := s.reporter.Report(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: worker status: %w", err)
	}
	return jsonResource(request.Params.URI, report)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runID, err := parseRunURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource: %w", err)
	}
	batch, err := s.db.GetBatch(ctx, run.BatchID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource: %w", err)
	}
	return jsonResource(request.Params.URI, compactRun(run, batch))
}

// parseRunURI extracts the run id from assay://runs/{id}.
func parseRunURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id = strings.TrimSuffix(id, "/")
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
