package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/assay/internal/auth"
	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/service/queue"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/worker"
)

// WorkerReporter supplies the worker's status report.
type WorkerReporter interface {
	Report(ctx context.Context) (worker.Report, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	queue               *queue.Service
	trace               *trace.Recorder
	citations           *citation.Registry
	engine              *experience.Engine
	worker              WorkerReporter
	authn               *auth.Authenticator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Worker may be nil when the process runs without an executor.
type HandlersDeps struct {
	DB                  *storage.DB
	Queue               *queue.Service
	Trace               *trace.Recorder
	Citations           *citation.Registry
	Engine              *experience.Engine
	Worker              WorkerReporter
	Auth                *auth.Authenticator
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		queue:               d.Queue,
		trace:               d.Trace,
		citations:           d.Citations,
		engine:              d.Engine,
		worker:              d.Worker,
		authn:               d.Auth,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	token, expiresAt, err := h.authn.Exchange(req.APIKey, auth.Scope(req.Scope))
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error("token exchange failed", "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	ContentStore string `json:"content_store"`
	Uptime       int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health. The ledger is required; an unreachable
// content store only degrades the service.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:       "healthy",
		Version:      h.version,
		Postgres:     "connected",
		ContentStore: "connected",
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.engine != nil {
		if err := h.engine.Store().Healthy(ctx); err != nil {
			resp.ContentStore = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"version": h.version})
}

// HandleWorkerStatus handles GET /v1/system/worker.
func (h *Handlers) HandleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		runs, jobs, err := h.db.QueueDepth(r.Context())
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, worker.Report{QueuedRuns: runs, QueuedJobs: jobs})
		return
	}
	report, err := h.worker.Report(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// queryInt parses an integer query parameter.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.InvalidArgument("%s must be an integer", key)
	}
	return n, nil
}

// queryBool parses a boolean query parameter.
func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, model.InvalidArgument("%s must be a boolean", key)
	}
	return b, nil
}

// queryList splits comma-separated and repeated values of a query parameter.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
