// Package mcp implements the Model Context Protocol server for assay.
//
// The MCP server exposes a read-only slice of the HTTP API (runs, their
// trace, citation aliases and worker health) so MCP-compatible agents can
// audit how a recommendation was produced.
package mcp

import (
	"context"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/worker"
)

// Reporter supplies the worker report.
type Reporter interface {
	Report(ctx context.Context) (worker.Report, error)
}

// Server wraps the MCP server with assay's read paths.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	trace     *trace.Recorder
	citations *citation.Registry
	reporter  Reporter
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools and
// prompts.
func New(db *storage.DB, recorder *trace.Recorder, citations *citation.Registry, reporter Reporter, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:        db,
		trace:     recorder,
		citations: citations,
		reporter:  reporter,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"assay",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
