package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/assay/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// Policy configures one Middleware instance.
type Policy struct {
	Key       KeyFunc
	Cost      int // tokens per request; values below 1 count as 1
	RequestID RequestIDFunc
}

// Middleware returns HTTP middleware that charges each request p.Cost tokens
// against the bucket of p.Key(r). A nil limiter disables it. Limiter errors
// fail open.
func Middleware(limiter Limiter, p Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := p.Key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			d, err := limiter.Allow(r.Context(), key, p.Cost)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			var requestID string
			if p.RequestID != nil {
				requestID = p.RequestID(r)
			}
			logger.Debug("ratelimit: rejected", "key", key, "cost", p.Cost, "retry_after", d.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			writeRateLimitError(w, requestID)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys requests by client IP taken from RemoteAddr only.
// X-Forwarded-For is not trusted because any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
