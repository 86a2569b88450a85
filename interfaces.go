package assay

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// EmbeddingProvider generates vector embeddings from text.
// Uses []float32 (not pgvector.Vector) so callers need not depend on pgvector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// embedderAdapter lets an EmbeddingProvider serve as embedding.Provider.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a embedderAdapter) Dimensions() int { return a.p.Dimensions() }
