package qdrantstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/search"
	"github.com/ashita-ai/assay/internal/service/embedding"
)

// memCollection is an in-process stand-in for a Qdrant collection.
type memCollection struct {
	mu      sync.Mutex
	points  map[string]search.Point
	indexed []string
}

func newMemCollection() *memCollection {
	return &memCollection{points: map[string]search.Point{}}
}

func (c *memCollection) EnsureCollection(_ context.Context, fields ...string) error {
	c.indexed = fields
	return nil
}

func (c *memCollection) Healthy(context.Context) error { return nil }

func (c *memCollection) Upsert(_ context.Context, points []search.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range points {
		c.points[p.ID] = p
	}
	return nil
}

func (c *memCollection) Get(_ context.Context, ids []string) (map[string]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]map[string]any{}
	for _, id := range ids {
		if p, ok := c.points[id]; ok {
			out[id] = p.Payload
		}
	}
	return out, nil
}

func (c *memCollection) Search(_ context.Context, vec []float32, f search.Filter, limit int) ([]search.Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits []search.Hit
	for _, p := range c.points {
		if !matches(p.Payload, f) {
			continue
		}
		hits = append(hits, search.Hit{ID: p.ID, Score: cosine(vec, p.Vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func matches(p map[string]any, f search.Filter) bool {
	for k, v := range f.Match {
		if p[k] != v {
			return false
		}
	}
	for k, vs := range f.MatchAny {
		ok := false
		for _, v := range vs {
			ok = ok || p[k] == v
		}
		if !ok {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func newStore(t *testing.T) (*Store, *memCollection) {
	t.Helper()
	coll := newMemCollection()
	s := New(coll, embedding.NewHashProvider(16))
	require.NoError(t, s.Init(context.Background()))
	return s, coll
}

func item(content string, role model.MemoryRole) model.MemoryItem {
	now := time.Now().UTC().Truncate(time.Microsecond)
	run := "run_1"
	return model.MemoryItem{
		ID:          model.NewMemoryID(),
		Status:      model.MemoryActive,
		Role:        role,
		Kind:        model.KindLearned,
		Content:     content,
		SourceRunID: &run,
		CreatedAt:   now,
		UpdatedAt:   now,
		Extensible:  model.NewExtensible(map[string]any{"tags": []any{"a"}}),
	}
}

func TestInitIndexesFilterFields(t *testing.T) {
	_, coll := newStore(t)
	assert.Equal(t, []string{"status", "role", "kind"}, coll.indexed)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, coll := newStore(t)
	it := item("Anneal under argon.", model.RoleTiO2Expert)
	require.NoError(t, s.Put(ctx, it))

	p := coll.points[it.ID]
	assert.Len(t, p.Vector, 16)
	assert.Equal(t, "active", p.Payload["status"])
	assert.NotContains(t, p.Payload, "id")

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, it.Content, got.Content)
	assert.Equal(t, it.Role, got.Role)
	assert.True(t, it.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, model.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, []any{"a"}, got.Extra["tags"])
	require.NotNil(t, got.SourceRunID)

	_, err = s.Get(ctx, model.NewMemoryID())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestArchiveAndSearchFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	a := item("Anneal under argon.", model.RoleTiO2Expert)
	b := item("Wash with ethanol.", model.RoleGlobal)
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))

	hits, err := s.Search(ctx, "Anneal under argon.", experience.SearchFilter{Status: model.MemoryActive}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, a.ID, hits[0].Item.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)

	require.NoError(t, s.Archive(ctx, a.ID))
	require.NoError(t, s.Archive(ctx, a.ID))
	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryArchived, got.Status)

	hits, err = s.Search(ctx, "Anneal under argon.", experience.SearchFilter{Status: model.MemoryActive}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].Item.ID)

	hits, err = s.Search(ctx, "anything", experience.SearchFilter{Roles: []model.MemoryRole{model.RoleMOFExpert}}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.3))
	assert.Equal(t, 1.0, clamp01(1.2))
	assert.Equal(t, 0.5, clamp01(0.5))
}
