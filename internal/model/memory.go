package model

import (
	"strings"
	"time"
)

// MemoryStatus is the lifecycle of an experience item.
type MemoryStatus string

const (
	MemoryActive   MemoryStatus = "active"
	MemoryArchived MemoryStatus = "archived"
)

// MemoryRole scopes which agent role an experience item is meant for.
type MemoryRole string

const (
	RoleGlobal       MemoryRole = "global"
	RoleOrchestrator MemoryRole = "orchestrator"
	RoleMOFExpert    MemoryRole = "mof_expert"
	RoleTiO2Expert   MemoryRole = "tio2_expert"
)

// Valid reports whether r is a known role.
func (r MemoryRole) Valid() bool {
	switch r {
	case RoleGlobal, RoleOrchestrator, RoleMOFExpert, RoleTiO2Expert:
		return true
	}
	return false
}

// MemoryKind distinguishes learned items from operator-written notes.
type MemoryKind string

const (
	KindLearned    MemoryKind = "reasoningbank_item"
	KindManualNote MemoryKind = "manual_note"
)

// Valid reports whether k is a known kind.
func (k MemoryKind) Valid() bool { return k == KindLearned || k == KindManualNote }

// MemoryItem is one experience item. The external content store owns it; the
// ledger only records how it changed.
type MemoryItem struct {
	ID          string       `json:"id"`
	Status      MemoryStatus `json:"status"`
	Role        MemoryRole   `json:"role"`
	Kind        MemoryKind   `json:"kind"`
	Content     string       `json:"content"`
	SourceRunID *string      `json:"source_run_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Extensible
}

// Validate checks the fields every stored item must carry.
func (m MemoryItem) Validate() error {
	if m.ID == "" {
		return InvalidArgument("memory item id is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return InvalidArgument("memory item %s: content must be non-empty", m.ID)
	}
	if m.Status != MemoryActive && m.Status != MemoryArchived {
		return InvalidArgument("memory item %s: invalid status %q", m.ID, m.Status)
	}
	if !m.Role.Valid() {
		return InvalidArgument("memory item %s: invalid role %q", m.ID, m.Role)
	}
	if !m.Kind.Valid() {
		return InvalidArgument("memory item %s: invalid kind %q", m.ID, m.Kind)
	}
	return nil
}

// MemoryRefPrefix marks a canonical reference to an experience item.
const MemoryRefPrefix = "mem:"

// MemoryRef returns the canonical reference token for a memory id.
func MemoryRef(id string) string { return MemoryRefPrefix + id }

// MemoryIndexEntry is the ledger's browse index row for an experience item.
type MemoryIndexEntry struct {
	MemID          string       `json:"mem_id"`
	Status         MemoryStatus `json:"status"`
	Role           MemoryRole   `json:"role"`
	Kind           MemoryKind   `json:"kind"`
	ContentPreview string       `json:"content_preview"`
	SourceRunID    *string      `json:"source_run_id,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// PreviewLen bounds MemoryIndexEntry.ContentPreview.
const PreviewLen = 240

// IndexEntry builds the browse index row for m.
func (m MemoryItem) IndexEntry() MemoryIndexEntry {
	preview := m.Content
	if r := []rune(preview); len(r) > PreviewLen {
		preview = string(r[:PreviewLen])
	}
	return MemoryIndexEntry{
		MemID:          m.ID,
		Status:         m.Status,
		Role:           m.Role,
		Kind:           m.Kind,
		ContentPreview: preview,
		SourceRunID:    m.SourceRunID,
		UpdatedAt:      m.UpdatedAt,
	}
}
