package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/assay/internal/auth"
	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/ctxutil"
	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/ratelimit"
	"github.com/ashita-ai/assay/internal/service/queue"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
)

// BatchSubmitCost is the rate-limit tokens charged for POST /v1/batches.
const BatchSubmitCost = 5

// Server is the assay HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Worker, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Queue     *queue.Service
	Trace     *trace.Recorder
	Citations *citation.Registry
	Engine    *experience.Engine
	Auth      *auth.Authenticator
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Worker    WorkerReporter
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Queue:               cfg.Queue,
		Trace:               cfg.Trace,
		Citations:           cfg.Citations,
		Engine:              cfg.Engine,
		Worker:              cfg.Worker,
		Auth:                cfg.Auth,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	// A batch submission queues up to MaxRuns model calls, so it costs more
	// of the client's budget than any other request.
	apiRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Policy{Key: subjectKeyFunc, Cost: 1, RequestID: reqIDFunc}, cfg.Logger)
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Policy{Key: subjectKeyFunc, Cost: BatchSubmitCost, RequestID: reqIDFunc}, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Policy{Key: ratelimit.IPKeyFunc, Cost: 1, RequestID: reqIDFunc}, cfg.Logger)

	read := func(f http.HandlerFunc) http.Handler { return apiRL(f) }
	write := func(f http.HandlerFunc) http.Handler { return apiRL(requireWrite(f)) }

	mux := http.NewServeMux()

	// Auth (no credentials, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Batches.
	mux.Handle("POST /v1/batches", submitRL(requireWrite(http.HandlerFunc(h.HandleCreateBatch))))
	mux.Handle("GET /v1/batches", read(h.HandleListBatches))
	mux.Handle("GET /v1/batches/{batch_id}", read(h.HandleGetBatch))
	mux.Handle("GET /v1/batches/{batch_id}/runs", read(h.HandleListBatchRuns))
	mux.Handle("POST /v1/batches/{batch_id}/cancel", write(h.HandleCancelBatch))

	// Runs and their trace.
	mux.Handle("GET /v1/runs/{run_id}", read(h.HandleGetRun))
	mux.Handle("GET /v1/runs/{run_id}/output", read(h.HandleGetRunOutput))
	mux.Handle("POST /v1/runs/{run_id}/cancel", write(h.HandleCancelRun))
	mux.Handle("GET /v1/runs/{run_id}/events", read(h.HandleListEvents))
	mux.Handle("GET /v1/runs/{run_id}/events/{event_id}", read(h.HandleGetEvent))
	mux.Handle("GET /v1/runs/{run_id}/citations", read(h.HandleListCitations))
	mux.Handle("GET /v1/runs/{run_id}/citations/{alias}", read(h.HandleGetCitation))

	// Feedback, learning jobs and deltas.
	mux.Handle("PUT /v1/runs/{run_id}/feedback", write(h.HandlePutFeedback))
	mux.Handle("GET /v1/runs/{run_id}/feedback", read(h.HandleGetFeedback))
	mux.Handle("POST /v1/runs/{run_id}/jobs", write(h.HandleEnqueueJob))
	mux.Handle("GET /v1/runs/{run_id}/jobs", read(h.HandleListJobs))
	mux.Handle("GET /v1/runs/{run_id}/deltas", read(h.HandleListDeltas))
	mux.Handle("POST /v1/runs/{run_id}/deltas/latest/rollback", write(h.HandleRollbackLatest))
	mux.Handle("POST /v1/deltas/{delta_id}/rollback", write(h.HandleRollbackDelta))

	// Experience store browsing and manual edits.
	mux.Handle("GET /v1/memories", read(h.HandleListMemories))
	mux.Handle("POST /v1/memories", write(h.HandleCreateMemory))
	mux.Handle("GET /v1/memories/{mem_id}", read(h.HandleGetMemory))
	mux.Handle("PATCH /v1/memories/{mem_id}", write(h.HandlePatchMemory))
	mux.Handle("POST /v1/memories/{mem_id}/archive", write(h.HandleArchiveMemory))

	mux.Handle("GET /v1/system/worker", read(h.HandleWorkerStatus))

	// MCP StreamableHTTP transport (auth required, read-only tools).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", apiRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health and version (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /version", h.HandleVersion)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Auth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// subjectKeyFunc keys the API rate limit on the token subject, falling back
// to the client address on an open deployment.
func subjectKeyFunc(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil && claims.ID != "" {
		return "sub:" + claims.Subject + ":" + claims.ID
	}
	return ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
