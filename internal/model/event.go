package model

import (
	"encoding/json"
	"time"
)

// EventType names what a trace event records.
type EventType string

const (
	// Run lifecycle.
	EventRunStarted  EventType = "run_started"
	EventRunCanceled EventType = "run_canceled"
	EventRunFailed   EventType = "run_failed"
	EventFinalOutput EventType = "final_output"

	// Collaborator calls made by a run pipeline.
	EventKBQuery           EventType = "kb_query"
	EventMemSearch         EventType = "mem_search"
	EventLLMRequest        EventType = "llm_request"
	EventLLMResponse       EventType = "llm_response"
	EventCitationsResolved EventType = "citations_resolved"

	// Background jobs, recorded on the run they belong to.
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"

	// Learning and strict rollback.
	EventLearnQueued       EventType = "learn_queued"
	EventLearnCompleted    EventType = "learn_completed"
	EventRollbackStarted   EventType = "rollback_started"
	EventRollbackCompleted EventType = "rollback_completed"
)

// TraceEvent is one immutable, timestamped record of something that happened
// during a run. Never updated or deleted. Payload is nil when the event was
// listed without payloads.
type TraceEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	CreatedAt time.Time       `json:"created_at"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunStartedPayload is the payload of run_started.
type RunStartedPayload struct {
	Mode          string  `json:"mode"`
	UserRequest   string  `json:"user_request"`
	RunIndex      int     `json:"run_index"`
	NRuns         int     `json:"n_runs"`
	RecipesPerRun int     `json:"recipes_per_run"`
	Temperature   float64 `json:"temperature"`
}

// ReasonPayload is the payload of run_canceled, run_failed and job_failed.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// KBQueryPayload is the payload of kb_query. Results carry the alias each
// chunk was registered under so evidence can be looked up later.
type KBQueryPayload struct {
	Namespace string          `json:"kb_namespace"`
	Query     string          `json:"query"`
	TopK      int             `json:"top_k"`
	Results   []EvidenceChunk `json:"results"`
}

// EvidenceChunk is one retrieval result as recorded in the trace.
type EvidenceChunk struct {
	Alias     string `json:"alias"`
	Ref       string `json:"ref"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	Namespace string `json:"kb_namespace,omitempty"`
}

// MemSearchPayload is the payload of mem_search.
type MemSearchPayload struct {
	Query   string      `json:"query"`
	Role    MemoryRole  `json:"role,omitempty"`
	Limit   int         `json:"limit"`
	Results []MemoryHit `json:"results"`
}

// MemoryHit is one experience search result as recorded in the trace.
type MemoryHit struct {
	Alias   string     `json:"alias"`
	MemID   string     `json:"mem_id"`
	Role    MemoryRole `json:"role"`
	Score   float64    `json:"score"`
	Content string     `json:"content"`
}

// LLMRequestPayload is the payload of llm_request.
type LLMRequestPayload struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []ChatMessage `json:"messages"`
}

// ChatMessage is one message sent to the language model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMResponsePayload is the payload of llm_response.
type LLMResponsePayload struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"completion_tokens,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
}

// JobPayload is the payload of job_started and job_completed.
type JobPayload struct {
	JobID   string  `json:"job_id"`
	Kind    JobKind `json:"kind"`
	DeltaID string  `json:"delta_id,omitempty"`
}

// RollbackPayload is the payload of rollback_started and rollback_completed.
type RollbackPayload struct {
	DeltaID string `json:"delta_id"`
	Reason  string `json:"reason"`
	NOps    int    `json:"n_ops"`
}

// LearnCompletedPayload is the payload of learn_completed.
type LearnCompletedPayload struct {
	JobID         string   `json:"job_id"`
	DeltaID       string   `json:"delta_id"`
	NOps          int      `json:"n_ops"`
	RolledBackIDs []string `json:"rolled_back_delta_ids"`
}
