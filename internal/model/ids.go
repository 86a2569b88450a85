package model

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes. IDs are opaque to every caller; the prefix only helps
// humans reading logs.
const (
	PrefixBatch    = "batch"
	PrefixRun      = "run"
	PrefixEvent    = "evt"
	PrefixJob      = "job"
	PrefixDelta    = "delta"
	PrefixCancel   = "cancel"
	PrefixFeedback = "fb"
	PrefixMemEdit  = "memedit"
)

// NewID returns a new identifier of the form <prefix>_<32 hex chars>.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMemoryID returns an identifier for a new experience item. Memory ids are
// plain UUIDs because the vector store keys points by UUID.
func NewMemoryID() string {
	return uuid.NewString()
}
