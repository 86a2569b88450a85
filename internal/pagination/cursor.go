// Package pagination encodes keyset positions as opaque cursor tokens.
//
// A cursor names the last item of a page by (created_at, id). The next page
// selects rows strictly after that pair in (created_at, id) order, so rows
// appended while a client pages through the set are never skipped and never
// repeated.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/ashita-ai/assay/internal/model"
)

// Cursor is a keyset position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// Encode returns the opaque token for c.
func Encode(c Cursor) string {
	b, _ := json.Marshal(wireCursor{T: c.CreatedAt.UnixMicro(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token produced by Encode. An empty token decodes to nil.
func Decode(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, model.InvalidArgument("invalid cursor encoding")
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, model.InvalidArgument("invalid cursor payload")
	}
	if w.ID == "" || w.T <= 0 {
		return nil, model.InvalidArgument("invalid cursor fields")
	}
	return &Cursor{CreatedAt: time.UnixMicro(w.T).UTC(), ID: w.ID}, nil
}

// Limits for list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Page is one page of results.
type Page[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor *string
}

// NewPage trims a limit+1 fetch to limit items and derives the next cursor
// from the last kept item.
func NewPage[T any](items []T, limit int, key func(T) Cursor) Page[T] {
	p := Page[T]{Items: items}
	if len(items) > limit {
		p.Items = items[:limit]
		p.HasMore = true
	}
	if p.HasMore && len(p.Items) > 0 {
		tok := Encode(key(p.Items[len(p.Items)-1]))
		p.NextCursor = &tok
	}
	if p.Items == nil {
		p.Items = []T{}
	}
	return p
}
