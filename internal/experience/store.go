// Package experience applies learned mutations to the experience content
// store as reversible deltas and rolls them back strictly.
//
// The content store owns the items; the ledger owns the history. Every
// mutation the Engine performs is captured with full before/after snapshots,
// so any delta can be undone by restoring those snapshots no matter what
// happened to the items afterwards.
package experience

import (
	"context"

	"github.com/ashita-ai/assay/internal/model"
)

// ContentStore is the external store holding experience items.
// Implementations must be safe for concurrent use.
type ContentStore interface {
	// Get returns the current state of an item. A missing item yields an
	// error wrapping model.ErrNotFound.
	Get(ctx context.Context, id string) (model.MemoryItem, error)

	// Put stores the item's full state, creating or replacing it.
	Put(ctx context.Context, item model.MemoryItem) error

	// Archive marks an item archived, keeping its content. Archiving an
	// archived item is a no-op.
	Archive(ctx context.Context, id string) error

	// Search returns items similar to query, best first.
	Search(ctx context.Context, query string, filter SearchFilter, limit int) ([]Scored, error)

	// Healthy returns nil if the store is reachable.
	Healthy(ctx context.Context) error
}

// SearchFilter narrows Search. Zero values match everything.
type SearchFilter struct {
	Status model.MemoryStatus
	Roles  []model.MemoryRole
}

// Matches reports whether item passes the filter.
func (f SearchFilter) Matches(item model.MemoryItem) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if len(f.Roles) == 0 {
		return true
	}
	for _, r := range f.Roles {
		if item.Role == r {
			return true
		}
	}
	return false
}

// Scored is a search hit. Score is a similarity in [0, 1], higher is closer.
type Scored struct {
	Item  model.MemoryItem
	Score float64
}
