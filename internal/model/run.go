// Package model defines the core domain types shared by the ledger, the
// worker loop, the consistency engine and the HTTP API.
//
// Types map directly onto the ledger tables. Every persisted entity embeds
// Extensible so that schema-less extension data travels through storage and
// the API without business logic ever inspecting it.
package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state shared by batches, runs and jobs.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// strictly forward: queued -> running -> {completed, failed, canceled}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// SchemaVersion is the current version stamped on newly written entities.
const SchemaVersion = 1

// Extensible carries the versioned extension blob present on every entity.
type Extensible struct {
	SchemaVersion int            `json:"schema_version"`
	Extra         map[string]any `json:"extra"`
}

// NewExtensible returns an Extensible stamped with the current schema version.
func NewExtensible(extra map[string]any) Extensible {
	if extra == nil {
		extra = map[string]any{}
	}
	return Extensible{SchemaVersion: SchemaVersion, Extra: extra}
}

// Batch is one user request to produce N independent recommendation runs.
// Immutable after creation except status, timestamps and error.
type Batch struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Status         Status         `json:"status"`
	Request        BatchRequest   `json:"request_payload"`
	ConfigSnapshot map[string]any `json:"config_snapshot"`
	Error          *string        `json:"error,omitempty"`
	Extensible
}

// Run is one execution of the recommendation pipeline.
type Run struct {
	ID        string     `json:"id"`
	BatchID   string     `json:"batch_id"`
	Index     int        `json:"index"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    Status     `json:"status"`
	Output    *RunOutput `json:"output,omitempty"`
	Error     *string    `json:"error,omitempty"`
	Extensible
}

// RunOutput is the validated final output of a completed run.
type RunOutput struct {
	Recipes   json.RawMessage   `json:"recipes"`
	Citations map[string]string `json:"citations"`
	MemoryIDs []string          `json:"memory_ids"`
}

// JobKind names a background unit of work.
type JobKind string

// JobKindLearn distills run feedback into experience-store mutations.
const JobKindLearn JobKind = "learn"

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool { return k == JobKindLearn }

// Job is a background unit of work scheduled through the same claim slot as runs.
type Job struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	Kind            JobKind    `json:"kind"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Status          Status     `json:"status"`
	Error           *string    `json:"error,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	SupersedesJobID *string    `json:"supersedes_job_id,omitempty"`
	Extensible
}

// CancelTarget is the kind of entity a cancel request refers to.
type CancelTarget string

const (
	CancelTargetBatch CancelTarget = "batch"
	CancelTargetRun   CancelTarget = "run"
)

// CancelStatus tracks whether the worker has consumed a cancel request.
type CancelStatus string

const (
	CancelRequested    CancelStatus = "requested"
	CancelAcknowledged CancelStatus = "acknowledged"
)

// CancelRequest records a cooperative cancellation request. It never changes
// run status by itself; the worker observes it at the next checkpoint.
type CancelRequest struct {
	ID         string       `json:"id"`
	TargetType CancelTarget `json:"target_type"`
	TargetID   string       `json:"target_id"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     CancelStatus `json:"status"`
	Reason     *string      `json:"reason,omitempty"`
}

// Feedback is the operator's assessment of a completed run. Editing it
// triggers a fresh learning pass.
type Feedback struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Score     *float64  `json:"score,omitempty"`
	Pros      string    `json:"pros"`
	Cons      string    `json:"cons"`
	Other     string    `json:"other"`
	Extensible
}

// StatusCounts maps a status to the number of rows holding it.
type StatusCounts map[Status]int
