package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/search"
	"github.com/ashita-ai/assay/internal/service/embedding"
)

type fakeIndex struct {
	gotFilter search.Filter
	hits      []search.Hit
	err       error
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, filter search.Filter, limit int) ([]search.Hit, error) {
	f.gotFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Healthy(context.Context) error { return nil }

func TestQdrantRetriever_MapsHits(t *testing.T) {
	idx := &fakeIndex{hits: []search.Hit{
		{ID: "p1", Score: 0.9, Payload: map[string]any{"doc_id": "smith2021", "chunk_index": int64(4), "source": "Smith 2021", "content": "Cu sites stabilise *CO."}},
		{ID: "p2", Score: 0.7, Payload: map[string]any{"content": "untitled"}},
	}}
	r := NewQdrantRetriever(idx, embedding.NewHashProvider(8))

	chunks, err := r.Search(context.Background(), "principles", "ethylene selectivity", 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{FieldNamespace: "principles"}, idx.gotFilter.Match)
	require.Len(t, chunks, 2)
	assert.Equal(t, "kb:principles/smith2021#4", chunks[0].Ref)
	assert.Equal(t, "Smith 2021", chunks[0].Source)
	assert.InDelta(t, 0.9, chunks[0].Score, 1e-6)
	assert.Equal(t, "kb:principles/p2", chunks[1].Ref)

	empty, err := r.Search(context.Background(), "principles", "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQdrantRetriever_WrapsErrors(t *testing.T) {
	r := NewQdrantRetriever(&fakeIndex{err: errors.New("down")}, embedding.NewHashProvider(8))
	_, err := r.Search(context.Background(), "principles", "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retrieval: search principles")
}

func TestSearchAll_KeepsNamespaceOrder(t *testing.T) {
	s := Static{
		"principles": {{Ref: "kb:principles/a"}, {Ref: "kb:principles/b"}},
		"modulation": {{Ref: "kb:modulation/c"}},
	}
	res, err := SearchAll(context.Background(), s, []string{"modulation", "principles", "missing"}, "q", 1)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "modulation", res[0].Namespace)
	assert.Equal(t, "principles", res[1].Namespace)
	assert.Len(t, res[1].Chunks, 1)
	assert.Empty(t, res[2].Chunks)
}

type failing struct{}

func (failing) Search(context.Context, string, string, int) ([]Chunk, error) {
	return nil, errors.New("boom")
}

func TestSearchAll_PropagatesFailure(t *testing.T) {
	_, err := SearchAll(context.Background(), failing{}, []string{"a", "b"}, "q", 3)
	assert.EqualError(t, err, "boom")
}
