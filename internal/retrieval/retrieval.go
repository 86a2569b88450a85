// Package retrieval searches the knowledge base for evidence chunks.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/assay/internal/search"
	"github.com/ashita-ai/assay/internal/service/embedding"
)

// Chunk is one piece of retrieved evidence. Ref is its globally stable
// canonical reference.
type Chunk struct {
	Ref       string  `json:"ref"`
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Namespace string  `json:"kb_namespace"`
	Score     float64 `json:"score"`
}

// Retriever searches one knowledge-base namespace.
type Retriever interface {
	Search(ctx context.Context, namespace, query string, topK int) ([]Chunk, error)
}

// Payload fields of a knowledge-base point.
const (
	FieldNamespace = "namespace"
	FieldDocID     = "doc_id"
	FieldChunk     = "chunk_index"
	FieldSource    = "source"
	FieldContent   = "content"
)

// QdrantRetriever serves every namespace from one Qdrant collection, filtered
// by the namespace payload field.
type QdrantRetriever struct {
	index    search.Index
	embedder embedding.Provider
}

// NewQdrantRetriever creates a QdrantRetriever.
func NewQdrantRetriever(index search.Index, embedder embedding.Provider) *QdrantRetriever {
	return &QdrantRetriever{index: index, embedder: embedder}
}

// Search embeds query and returns the topK nearest chunks of namespace.
func (r *QdrantRetriever) Search(ctx context.Context, namespace, query string, topK int) ([]Chunk, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return []Chunk{}, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	hits, err := r.index.Search(ctx, vec.Slice(), search.Filter{
		Match: map[string]string{FieldNamespace: namespace},
	}, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search %s: %w", namespace, err)
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, Chunk{
			Ref:       CanonicalRef(namespace, h),
			Source:    h.String(FieldSource),
			Content:   h.String(FieldContent),
			Namespace: namespace,
			Score:     float64(h.Score),
		})
	}
	return chunks, nil
}

// CanonicalRef builds "kb:<namespace>/<doc_id>#<chunk_index>" for a hit,
// falling back to the point id when the payload lacks a document id.
func CanonicalRef(namespace string, h search.Hit) string {
	doc := h.String(FieldDocID)
	if doc == "" {
		return fmt.Sprintf("kb:%s/%s", namespace, h.ID)
	}
	if n, err := search.PayloadInt(h.Payload, FieldChunk); err == nil {
		return fmt.Sprintf("kb:%s/%s#%d", namespace, doc, n)
	}
	return fmt.Sprintf("kb:%s/%s", namespace, doc)
}

// NamespaceResult is the outcome of one namespace in SearchAll.
type NamespaceResult struct {
	Namespace string
	Chunks    []Chunk
}

// SearchAll queries every namespace concurrently and returns results in the
// order namespaces were given. The first failure cancels the rest.
func SearchAll(ctx context.Context, r Retriever, namespaces []string, query string, topK int) ([]NamespaceResult, error) {
	out := make([]NamespaceResult, len(namespaces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ns := range namespaces {
		g.Go(func() error {
			chunks, err := r.Search(gctx, ns, query, topK)
			if err != nil {
				return err
			}
			out[i] = NamespaceResult{Namespace: ns, Chunks: chunks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Static serves fixed chunks per namespace. It backs deployments without a
// vector store and tests.
type Static map[string][]Chunk

// Search returns up to topK of the namespace's chunks.
func (s Static) Search(_ context.Context, namespace, _ string, topK int) ([]Chunk, error) {
	chunks := s[namespace]
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}
