// Package server implements the HTTP API server for assay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/assay/internal/auth"
	"github.com/ashita-ai/assay/internal/ctxutil"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
	"github.com/ashita-ai/assay/internal/telemetry"
)

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), reqID)))
	})
}

// securityHeadersMiddleware sets conservative headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush lets streaming handlers (the MCP transport) flush through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var (
	tracer    = telemetry.Tracer("assay/http")
	httpMeter = telemetry.Meter("assay/http")

	requestCount, _    = httpMeter.Int64Counter("http.server.request_count")
	requestDuration, _ = httpMeter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))
)

// tracingMiddleware creates an OTEL span for each HTTP request and records
// request count and duration metrics. The route pattern, not the raw path,
// labels the metrics so ids do not explode cardinality.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := otelmetric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		)
		if requestCount != nil {
			requestCount.Add(ctx, 1, attrs)
		}
		if requestDuration != nil {
			requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// publicPaths are served without credentials.
var publicPaths = map[string]bool{
	"/health":     true,
	"/version":    true,
	"/auth/token": true,
}

// authMiddleware validates bearer tokens and populates the context with
// claims. On an open deployment every request carries operator claims.
func authMiddleware(authn *auth.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if authn.Open() {
			next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), auth.OpenClaims())))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}
		claims, err := authn.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
	})
}

// requireWrite rejects tokens whose scope cannot mutate state.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ctxutil.ClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
			return
		}
		if !claims.Scope.CanWrite() {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token scope does not allow writes")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a handler panic into a 500 response.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("http handler panic",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"request_id", ctxutil.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()))
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func meta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{Data: data, Meta: meta(r)})
}

// writePage writes a cursor page with the list envelope.
func writePage[T any](w http.ResponseWriter, r *http.Request, page pagination.Page[T]) {
	items := page.Items
	if items == nil {
		items = []T{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.PageResponse{
		Data:       items,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
		Meta:       meta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message, Details: details},
		Meta:  meta(r),
	})
}

// classify maps an error onto the taxonomy's HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest, model.ErrCodeInvalidArgument
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, model.ErrCodeNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, model.ErrCodeConflict
	case errors.Is(err, model.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, model.ErrCodeDependencyUnavailable
	}
	return http.StatusInternalServerError, model.ErrCodeInternalError
}

// writeServiceError writes err using the error taxonomy. Internal errors are
// logged and their text is never sent to the client.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, status, code, "internal error")
		return
	}

	message := err.Error()
	var details any
	var de *model.DetailedError
	if errors.As(err, &de) {
		message = de.Message
		details = de.Details
	}
	writeErrorDetails(w, r, status, code, message, details)
}

// decodeJSON decodes a bounded JSON request body into target. An empty body
// leaves target untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64, allowEmpty bool) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.InvalidArgument("request body exceeds %d bytes", tooLarge.Limit)
		}
		return model.InvalidArgument("invalid request body: %v", err)
	}
	if decoder.More() {
		return model.InvalidArgument("invalid request body: trailing data")
	}
	return nil
}
