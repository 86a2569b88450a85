// Package embedding provides vector embedding generation for semantic search.
//
// Defines a Provider interface with OpenAI, Ollama and deterministic hash
// implementations. The interface allows swapping embedding providers without
// changing consumers.
package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// OpenAIProvider generates embeddings using the OpenAI API or any
// OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. baseURL may be
// empty for the public API.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai: %w", err)
	}

	// Results carry their input index; put them back in input order.
	vecs := make([]pgvector.Vector, len(texts))
	seen := 0
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, fmt.Errorf("embedding: got %d dims, want %d", len(d.Embedding), p.dimensions)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
		seen++
	}
	if seen != len(texts) {
		return nil, fmt.Errorf("embedding: got %d embeddings for %d inputs", seen, len(texts))
	}
	return vecs, nil
}

// HashProvider derives vectors from a SHA-256 stream of the text. Equal
// texts get equal vectors and nothing else is meaningful about the geometry,
// so it only suits dry runs and tests that need a working vector store
// without a model.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a HashProvider. dims below 8 are raised to 8.
func NewHashProvider(dims int) *HashProvider {
	if dims < 8 {
		dims = 8
	}
	return &HashProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *HashProvider) Dimensions() int {
	return p.dims
}

// Embed returns the hash vector of text, with components in [-1, 1].
func (p *HashProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	seed := sha256.Sum256([]byte(text))
	buf := make([]byte, 0, p.dims+sha256.Size)
	for len(buf) < p.dims {
		seed = sha256.Sum256(seed[:])
		buf = append(buf, seed[:]...)
	}
	vec := make([]float32, p.dims)
	for i := range vec {
		vec[i] = float32(buf[i])/255*2 - 1
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch returns the hash vector of each text.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
