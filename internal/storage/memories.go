package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
)

const indexColumns = `mem_id, status, role, kind, content_preview, source_run_id, updated_at`

func scanIndexEntry(row pgx.Row) (model.MemoryIndexEntry, error) {
	var e model.MemoryIndexEntry
	err := row.Scan(&e.MemID, &e.Status, &e.Role, &e.Kind, &e.ContentPreview, &e.SourceRunID, &e.UpdatedAt)
	return e, err
}

func upsertIndex(ctx context.Context, tx pgx.Tx, entries []model.MemoryIndexEntry) error {
	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO memory_index (mem_id, status, role, kind, content_preview, source_run_id, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (mem_id) DO UPDATE SET
			     status = EXCLUDED.status,
			     role = EXCLUDED.role,
			     kind = EXCLUDED.kind,
			     content_preview = EXCLUDED.content_preview,
			     source_run_id = EXCLUDED.source_run_id,
			     updated_at = EXCLUDED.updated_at`,
			e.MemID, string(e.Status), string(e.Role), string(e.Kind), e.ContentPreview,
			e.SourceRunID, e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: upsert memory index %s: %w", e.MemID, err)
		}
	}
	return nil
}

// ListMemoriesParams filters and pages the experience browse index.
type ListMemoriesParams struct {
	After  *pagination.Cursor
	Limit  int
	Status model.MemoryStatus
	Role   model.MemoryRole
}

// ListMemories returns index entries, most recently updated first.
func (db *DB) ListMemories(ctx context.Context, p ListMemoriesParams) (pagination.Page[model.MemoryIndexEntry], error) {
	limit := pagination.ClampLimit(p.Limit)
	q := `SELECT ` + indexColumns + ` FROM memory_index WHERE TRUE`
	args := []any{}
	if p.After != nil {
		args = append(args, p.After.CreatedAt, p.After.ID)
		q += fmt.Sprintf(` AND (updated_at, mem_id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	if p.Status != "" {
		args = append(args, string(p.Status))
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if p.Role != "" {
		args = append(args, string(p.Role))
		q += fmt.Sprintf(` AND role = $%d`, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY updated_at DESC, mem_id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return pagination.Page[model.MemoryIndexEntry]{}, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryIndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return pagination.Page[model.MemoryIndexEntry]{}, fmt.Errorf("storage: scan memory index: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[model.MemoryIndexEntry]{}, fmt.Errorf("storage: iterate memory index: %w", err)
	}
	return pagination.NewPage(out, limit, func(e model.MemoryIndexEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.UpdatedAt, ID: e.MemID}
	}), nil
}

// GetMemoryIndex returns the index entry for one experience item.
func (db *DB) GetMemoryIndex(ctx context.Context, memID string) (model.MemoryIndexEntry, error) {
	e, err := scanIndexEntry(db.pool.QueryRow(ctx,
		`SELECT `+indexColumns+` FROM memory_index WHERE mem_id = $1`, memID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MemoryIndexEntry{}, fmt.Errorf("storage: memory %s: %w", memID, ErrNotFound)
	}
	if err != nil {
		return model.MemoryIndexEntry{}, fmt.Errorf("storage: get memory index: %w", err)
	}
	return e, nil
}

// ListMemoryEdits returns the edit log of one experience item, oldest first.
func (db *DB) ListMemoryEdits(ctx context.Context, memID string) ([]model.MemoryEdit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, mem_id, created_at, actor, reason, before, after
		 FROM memory_edit_log WHERE mem_id = $1 ORDER BY created_at, id`,
		memID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list memory edits: %w", err)
	}
	defer rows.Close()

	out := []model.MemoryEdit{}
	for rows.Next() {
		var (
			e             model.MemoryEdit
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.MemID, &e.CreatedAt, &e.Actor, &e.Reason, &before, &after); err != nil {
			return nil, fmt.Errorf("storage: scan memory edit: %w", err)
		}
		if e.Before, err = unmarshalSnapshot(before); err != nil {
			return nil, err
		}
		if e.After, err = unmarshalSnapshot(after); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate memory edits: %w", err)
	}
	return out, nil
}

func unmarshalSnapshot(raw []byte) (*model.MemoryItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m model.MemoryItem
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("storage: decode memory snapshot: %w", err)
	}
	return &m, nil
}

// RecordMemoryEdit stores one edit log row made outside a delta and syncs
// the browse index to its after snapshot in one transaction.
func (db *DB) RecordMemoryEdit(ctx context.Context, edit model.MemoryEdit) error {
	if edit.After == nil {
		return fmt.Errorf("storage: memory edit %s: after snapshot is required", edit.ID)
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertEdits(ctx, tx, []model.MemoryEdit{edit}); err != nil {
			return err
		}
		return upsertIndex(ctx, tx, []model.MemoryIndexEntry{edit.After.IndexEntry()})
	})
}
