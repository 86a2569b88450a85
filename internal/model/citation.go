package model

import "time"

// RefKind distinguishes retrieval evidence from experience items.
type RefKind string

const (
	RefKB  RefKind = "kb"
	RefMem RefKind = "mem"
)

// CitationRef is a canonical reference to register under a run-scoped alias.
type CitationRef struct {
	CanonicalRef string  `json:"canonical_ref"`
	Kind         RefKind `json:"kind"`
	Source       string  `json:"source,omitempty"`
}

// CitationAlias maps a short run-scoped alias to a globally stable reference.
// Immutable once assigned.
type CitationAlias struct {
	RunID        string    `json:"run_id"`
	Alias        string    `json:"alias"`
	CanonicalRef string    `json:"canonical_ref"`
	Kind         RefKind   `json:"kind"`
	Source       string    `json:"source,omitempty"`
	EventID      *string   `json:"event_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Evidence is an alias together with the chunk it stood for, as recorded in
// the trace event that introduced it.
type Evidence struct {
	CitationAlias
	Content   string `json:"content,omitempty"`
	Namespace string `json:"kb_namespace,omitempty"`
}
