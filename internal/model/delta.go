package model

import "time"

// DeltaStatus is applied until a strict rollback, then rolled_back forever.
type DeltaStatus string

const (
	DeltaApplied    DeltaStatus = "applied"
	DeltaRolledBack DeltaStatus = "rolled_back"
)

// DeltaOpKind is one experience-store mutation.
type DeltaOpKind string

const (
	OpAdd     DeltaOpKind = "add"
	OpUpdate  DeltaOpKind = "update"
	OpArchive DeltaOpKind = "archive"
)

// DeltaOp records one mutation with full-content snapshots. Before is nil for add.
type DeltaOp struct {
	Op     DeltaOpKind `json:"op"`
	MemID  string      `json:"mem_id"`
	Before *MemoryItem `json:"before"`
	After  *MemoryItem `json:"after"`
}

// Delta is the complete, reversible record of one learning operation.
type Delta struct {
	ID               string      `json:"id"`
	RunID            string      `json:"run_id"`
	CreatedAt        time.Time   `json:"created_at"`
	Status           DeltaStatus `json:"status"`
	Ops              []DeltaOp   `json:"ops"`
	RolledBackAt     *time.Time  `json:"rolled_back_at,omitempty"`
	RolledBackReason *string     `json:"rolled_back_reason,omitempty"`
	Extensible
}

// MemoryEdit is one row of the experience edit log.
type MemoryEdit struct {
	ID        string      `json:"id"`
	MemID     string      `json:"mem_id"`
	CreatedAt time.Time   `json:"created_at"`
	Actor     string      `json:"actor"`
	Reason    string      `json:"reason"`
	Before    *MemoryItem `json:"before"`
	After     *MemoryItem `json:"after"`
}
