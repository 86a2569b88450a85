package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// PageResponse is the envelope for cursor-paginated list endpoints.
type PageResponse struct {
	Data       any          `json:"data"`
	HasMore    bool         `json:"has_more"`
	NextCursor *string      `json:"next_cursor,omitempty"`
	Meta       ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta is attached to every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidArgument       = "INVALID_ARGUMENT"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeRateLimited           = "RATE_LIMITED"
)

// DefaultUserRequest is used when a batch is submitted without a request text.
const DefaultUserRequest = "Generate catalyst recipes for photocatalytic CO2 reduction. " +
	"Primary objective: high selectivity and high activity for ethylene (C2H4)."

// BatchRequest is the body of POST /v1/batches and the stored request payload.
type BatchRequest struct {
	UserRequest   string         `json:"user_request" validate:"max=20000"`
	NRuns         int            `json:"n_runs" validate:"gte=1"`
	RecipesPerRun int            `json:"recipes_per_run" validate:"gte=1"`
	Temperature   float64        `json:"temperature" validate:"gte=0,lte=2"`
	DryRun        bool           `json:"dry_run"`
	Overrides     map[string]any `json:"overrides,omitempty"`
	Extensible
}

// CreateBatchResponse is the stored and replayed response of create_batch.
type CreateBatchResponse struct {
	Batch Batch `json:"batch"`
	Runs  []Run `json:"runs"`
}

// CancelBody is the optional body of the cancel endpoints.
type CancelBody struct {
	Reason string `json:"reason,omitempty" validate:"max=2000"`
}

// FeedbackRequest is the body of PUT /v1/runs/{id}/feedback.
type FeedbackRequest struct {
	Score *float64 `json:"score,omitempty" validate:"omitempty,gte=0,lte=10"`
	Pros  string   `json:"pros" validate:"max=20000"`
	Cons  string   `json:"cons" validate:"max=20000"`
	Other string   `json:"other" validate:"max=20000"`
}

// EnqueueJobRequest is the body of POST /v1/runs/{id}/jobs.
type EnqueueJobRequest struct {
	Kind   JobKind `json:"kind" validate:"required"`
	Reason string  `json:"reason,omitempty" validate:"max=2000"`
}

// RollbackRequest is the body of POST /v1/deltas/{id}/rollback.
type RollbackRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=2000"`
}

// CreateMemoryRequest is the body of POST /v1/memories. Only manual notes
// can be written by hand; learned items come from deltas.
type CreateMemoryRequest struct {
	Kind    MemoryKind     `json:"kind" validate:"required,eq=manual_note"`
	Role    MemoryRole     `json:"role" validate:"required,oneof=global orchestrator mof_expert tio2_expert"`
	Content string         `json:"content" validate:"required,max=20000"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// PatchMemoryRequest is the body of PATCH /v1/memories/{mem_id}. Unset
// fields are left as they are.
type PatchMemoryRequest struct {
	Status  *MemoryStatus  `json:"status,omitempty" validate:"omitempty,oneof=active archived"`
	Role    *MemoryRole    `json:"role,omitempty" validate:"omitempty,oneof=global orchestrator mof_expert tio2_expert"`
	Kind    *MemoryKind    `json:"kind,omitempty" validate:"omitempty,oneof=reasoningbank_item manual_note"`
	Content *string        `json:"content,omitempty" validate:"omitempty,max=20000"`
	Extra   map[string]any `json:"extra,omitempty"`
	Reason  string         `json:"reason,omitempty" validate:"max=2000"`
}

// ArchiveMemoryRequest is the optional body of POST /v1/memories/{mem_id}/archive.
type ArchiveMemoryRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=2000"`
}

// AuthTokenRequest exchanges the operator API key for a bearer token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key" validate:"required"`
	Scope  string `json:"scope,omitempty" validate:"omitempty,oneof=operator reader"`
}

// AuthTokenResponse carries an issued bearer token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewBatchRequest returns a request pre-filled with the defaults a client may
// omit. Decode the request body over it.
func NewBatchRequest() BatchRequest {
	return BatchRequest{
		NRuns:         1,
		RecipesPerRun: 3,
		Temperature:   0.7,
		Extensible:    NewExtensible(nil),
	}
}
