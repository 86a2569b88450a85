// Package qdrantstore keeps experience items in a Qdrant collection. The
// point id is the item id and the payload carries the full item, so the
// collection alone is the content store.
package qdrantstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/search"
	"github.com/ashita-ai/assay/internal/service/embedding"
)

// Payload fields with a keyword index.
var indexedFields = []string{"status", "role", "kind"}

// Collection is the subset of search.Collection the store needs.
type Collection interface {
	search.Index
	Get(ctx context.Context, ids []string) (map[string]map[string]any, error)
	Upsert(ctx context.Context, points []search.Point) error
	EnsureCollection(ctx context.Context, keywordFields ...string) error
}

// Store implements experience.ContentStore on Qdrant.
type Store struct {
	coll     Collection
	embedder embedding.Provider
}

var _ experience.ContentStore = (*Store)(nil)

// New creates a Store. Call Init once before use.
func New(coll Collection, embedder embedding.Provider) *Store {
	return &Store{coll: coll, embedder: embedder}
}

// Init creates the collection and its payload indexes if missing.
func (s *Store) Init(ctx context.Context) error {
	if err := s.coll.EnsureCollection(ctx, indexedFields...); err != nil {
		return fmt.Errorf("qdrantstore: init: %w", err)
	}
	return nil
}

// Get returns one item.
func (s *Store) Get(ctx context.Context, id string) (model.MemoryItem, error) {
	found, err := s.coll.Get(ctx, []string{id})
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("qdrantstore: get %s: %w", id, err)
	}
	payload, ok := found[id]
	if !ok {
		return model.MemoryItem{}, fmt.Errorf("qdrantstore: memory %s: %w", id, model.ErrNotFound)
	}
	return fromPayload(id, payload)
}

// Put embeds the item's content and upserts it.
func (s *Store) Put(ctx context.Context, item model.MemoryItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	vec, err := s.embedder.Embed(ctx, item.Content)
	if err != nil {
		return fmt.Errorf("qdrantstore: embed %s: %w", item.ID, err)
	}
	payload, err := toPayload(item)
	if err != nil {
		return err
	}
	if err := s.coll.Upsert(ctx, []search.Point{{ID: item.ID, Vector: vec.Slice(), Payload: payload}}); err != nil {
		return fmt.Errorf("qdrantstore: put %s: %w", item.ID, err)
	}
	return nil
}

// Archive marks an item archived.
func (s *Store) Archive(ctx context.Context, id string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == model.MemoryArchived {
		return nil
	}
	item.Status = model.MemoryArchived
	item.UpdatedAt = time.Now().UTC()
	return s.Put(ctx, item)
}

// Search embeds the query and returns the nearest items. Cosine scores are
// clamped to [0, 1].
func (s *Store) Search(ctx context.Context, query string, filter experience.SearchFilter, limit int) ([]experience.Scored, error) {
	if limit <= 0 || query == "" {
		return []experience.Scored{}, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrantstore: embed query: %w", err)
	}
	hits, err := s.coll.Search(ctx, vec.Slice(), toFilter(filter), limit)
	if err != nil {
		return nil, fmt.Errorf("qdrantstore: search: %w", err)
	}
	out := make([]experience.Scored, 0, len(hits))
	for _, h := range hits {
		item, err := fromPayload(h.ID, h.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, experience.Scored{Item: item, Score: clamp01(float64(h.Score))})
	}
	return out, nil
}

// Healthy reports whether Qdrant is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	return s.coll.Healthy(ctx)
}

func toFilter(f experience.SearchFilter) search.Filter {
	var out search.Filter
	if f.Status != "" {
		out.Match = map[string]string{"status": string(f.Status)}
	}
	if len(f.Roles) > 0 {
		roles := make([]string, len(f.Roles))
		for i, r := range f.Roles {
			roles[i] = string(r)
		}
		out.MatchAny = map[string][]string{"role": roles}
	}
	return out
}

// toPayload flattens an item into Qdrant payload values. Round-tripping
// through JSON leaves only strings, float64s, bools, maps and slices, which
// is what the payload encoder accepts.
func toPayload(item model.MemoryItem) (map[string]any, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("qdrantstore: marshal %s: %w", item.ID, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("qdrantstore: flatten %s: %w", item.ID, err)
	}
	delete(payload, "id")
	return payload, nil
}

func fromPayload(id string, payload map[string]any) (model.MemoryItem, error) {
	p := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	p["id"] = id
	raw, err := json.Marshal(p)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("qdrantstore: encode payload %s: %w", id, err)
	}
	var item model.MemoryItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return model.MemoryItem{}, fmt.Errorf("qdrantstore: decode payload %s: %w", id, err)
	}
	if item.Extra == nil {
		item.Extra = map[string]any{}
	}
	return item, nil
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
