// Package search wraps Qdrant collections for the two vector-backed
// collaborators: the knowledge-base retriever and the Qdrant experience
// content store.
package search

import (
	"context"
	"fmt"
)

// Hit is one nearest-neighbour result with its decoded payload.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Point is one vector with its payload, keyed by a UUID string.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Filter restricts a search to points whose payload fields match. Match
// requires an exact value; MatchAny requires one of several values.
type Filter struct {
	Match    map[string]string
	MatchAny map[string][]string
}

// Index is the read side of a vector collection.
// Implementations must be safe for concurrent use.
type Index interface {
	Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Hit, error)
	Healthy(ctx context.Context) error
}

// String returns the payload field as a string, or "" when absent or not a
// string.
func (h Hit) String(field string) string {
	s, _ := h.Payload[field].(string)
	return s
}

// PayloadString is Hit.String for a bare payload map.
func PayloadString(p map[string]any, field string) string {
	s, _ := p[field].(string)
	return s
}

// PayloadInt returns an integer payload field, accepting the int64 and
// float64 forms Qdrant hands back.
func PayloadInt(p map[string]any, field string) (int64, error) {
	switch v := p[field].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("search: payload field %q missing", field)
	default:
		return 0, fmt.Errorf("search: payload field %q has type %T", field, v)
	}
}
