// Package sqlitestore is a single-file experience content store on SQLite.
//
// It needs no external services, which makes it the default for local
// deployments and the store the engine tests run against. Search is lexical:
// items are scored by word overlap with the query.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store implements experience.ContentStore.
type Store struct {
	db *sql.DB
}

var _ experience.ContentStore = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// One connection: SQLite has a single writer, and every connection to
	// :memory: would otherwise see its own empty database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const itemColumns = `id, status, role, kind, content, source_run_id, created_at, updated_at, schema_version, extra`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (model.MemoryItem, error) {
	var (
		m                    model.MemoryItem
		sourceRunID          sql.NullString
		createdAt, updatedAt string
		extra                string
	)
	if err := row.Scan(&m.ID, &m.Status, &m.Role, &m.Kind, &m.Content, &sourceRunID,
		&createdAt, &updatedAt, &m.SchemaVersion, &extra); err != nil {
		return model.MemoryItem{}, err
	}
	if sourceRunID.Valid {
		m.SourceRunID = &sourceRunID.String
	}
	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.MemoryItem{}, fmt.Errorf("parse created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return model.MemoryItem{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(extra), &m.Extra); err != nil {
		return model.MemoryItem{}, fmt.Errorf("decode extra: %w", err)
	}
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	return m, nil
}

// Get returns one item.
func (s *Store) Get(ctx context.Context, id string) (model.MemoryItem, error) {
	m, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemoryItem{}, fmt.Errorf("sqlitestore: memory %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("sqlitestore: get %s: %w", id, err)
	}
	return m, nil
}

// Put upserts the item's full state.
func (s *Store) Put(ctx context.Context, item model.MemoryItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	extra := item.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal extra: %w", err)
	}
	var sourceRunID sql.NullString
	if item.SourceRunID != nil {
		sourceRunID = sql.NullString{String: *item.SourceRunID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status, role = excluded.role, kind = excluded.kind,
		   content = excluded.content, source_run_id = excluded.source_run_id,
		   created_at = excluded.created_at, updated_at = excluded.updated_at,
		   schema_version = excluded.schema_version, extra = excluded.extra`,
		item.ID, string(item.Status), string(item.Role), string(item.Kind), item.Content, sourceRunID,
		item.CreatedAt.UTC().Format(time.RFC3339Nano), item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		item.SchemaVersion, string(extraJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: put %s: %w", item.ID, err)
	}
	return nil
}

// Archive marks an item archived.
func (s *Store) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_items SET status = 'archived', updated_at = ?
		 WHERE id = ? AND status <> 'archived'`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: archive %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already archived is fine; missing is not.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Search scores every matching item by the share of query words it
// contains and returns the best limit items with a positive score.
func (s *Store) Search(ctx context.Context, query string, filter experience.SearchFilter, limit int) ([]experience.Scored, error) {
	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return []experience.Scored{}, nil
	}

	q := `SELECT ` + itemColumns + ` FROM memory_items WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if len(filter.Roles) > 0 {
		q += ` AND role IN (?` + strings.Repeat(", ?", len(filter.Roles)-1) + `)`
		for _, r := range filter.Roles {
			args = append(args, string(r))
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []experience.Scored
	for rows.Next() {
		m, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		if score := Similarity(terms, tokenize(m.Content)); score > 0 {
			out = append(out, experience.Scored{Item: m, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: search: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item.UpdatedAt.After(out[j].Item.UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []experience.Scored{}
	}
	return out, nil
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlitestore: ping: %w", err)
	}
	return nil
}

// tokenize returns the distinct lowercase words of text.
func tokenize(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// Similarity is the Jaccard index of two word sets.
func Similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
