package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

const deltaColumns = `id, run_id, created_at, status, ops, rolled_back_at, rolled_back_reason,
	schema_version, extra`

func scanDelta(row pgx.Row) (model.Delta, error) {
	var (
		d   model.Delta
		ops []byte
	)
	if err := row.Scan(&d.ID, &d.RunID, &d.CreatedAt, &d.Status, &ops, &d.RolledBackAt,
		&d.RolledBackReason, &d.SchemaVersion, &d.Extra); err != nil {
		return model.Delta{}, err
	}
	if err := json.Unmarshal(ops, &d.Ops); err != nil {
		return model.Delta{}, fmt.Errorf("decode delta ops: %w", err)
	}
	if d.Ops == nil {
		d.Ops = []model.DeltaOp{}
	}
	return d, nil
}

// RecordDeltaParams is everything the consistency engine persists after all
// of a delta's ops succeeded against the content store.
type RecordDeltaParams struct {
	Delta model.Delta
	Edits []model.MemoryEdit
	Index []model.MemoryIndexEntry
}

// RecordDelta persists an applied delta together with its edit log rows and
// browse index updates in one transaction. The delta's CreatedAt is filled in.
func (db *DB) RecordDelta(ctx context.Context, p RecordDeltaParams) (model.Delta, error) {
	d := p.Delta
	if d.Ops == nil {
		d.Ops = []model.DeltaOp{}
	}
	ops, err := json.Marshal(d.Ops)
	if err != nil {
		return model.Delta{}, fmt.Errorf("storage: marshal delta ops: %w", err)
	}
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO deltas (id, run_id, status, ops, schema_version, extra)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
			 RETURNING created_at`,
			d.ID, d.RunID, string(d.Status), ops, d.SchemaVersion, d.Extra,
		).Scan(&d.CreatedAt); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("storage: run %s: %w", d.RunID, ErrNotFound)
			}
			return fmt.Errorf("storage: insert delta: %w", err)
		}
		if err := insertEdits(ctx, tx, p.Edits); err != nil {
			return err
		}
		return upsertIndex(ctx, tx, p.Index)
	})
	if err != nil {
		return model.Delta{}, err
	}
	return d, nil
}

// MarkRolledBackParams closes out a strict rollback.
type MarkRolledBackParams struct {
	DeltaID string
	Reason  string
	Edits   []model.MemoryEdit
	Index   []model.MemoryIndexEntry
	Event   EventInput
}

// MarkDeltaRolledBack flips an applied delta to rolled_back and records the
// rollback's edit log rows, index updates and completion event in one
// transaction. A delta that is already rolled back yields
// ErrAlreadyRolledBack.
func (db *DB) MarkDeltaRolledBack(ctx context.Context, p MarkRolledBackParams) (model.Delta, error) {
	var d model.Delta
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = scanDelta(tx.QueryRow(ctx,
			`UPDATE deltas
			 SET status = 'rolled_back', rolled_back_at = clock_timestamp(), rolled_back_reason = $2
			 WHERE id = $1 AND status = 'applied'
			 RETURNING `+deltaColumns,
			p.DeltaID, p.Reason,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return deltaStateError(ctx, tx, p.DeltaID)
		}
		if err != nil {
			return fmt.Errorf("storage: mark delta rolled back: %w", err)
		}
		if err := insertEdits(ctx, tx, p.Edits); err != nil {
			return err
		}
		if err := upsertIndex(ctx, tx, p.Index); err != nil {
			return err
		}
		_, err = appendEvent(ctx, tx, d.RunID, p.Event)
		return err
	})
	if err != nil {
		return model.Delta{}, err
	}
	return d, nil
}

func deltaStateError(ctx context.Context, q querier, deltaID string) error {
	var status model.DeltaStatus
	err := q.QueryRow(ctx, `SELECT status FROM deltas WHERE id = $1`, deltaID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: delta %s: %w", deltaID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: read delta status: %w", err)
	}
	return fmt.Errorf("storage: delta %s: %w", deltaID, ErrAlreadyRolledBack)
}

// GetDelta returns a delta by id.
func (db *DB) GetDelta(ctx context.Context, id string) (model.Delta, error) {
	d, err := scanDelta(db.pool.QueryRow(ctx, `SELECT `+deltaColumns+` FROM deltas WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Delta{}, fmt.Errorf("storage: delta %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Delta{}, fmt.Errorf("storage: get delta: %w", err)
	}
	return d, nil
}

// ListDeltasByRun returns a run's deltas, newest first. With appliedOnly set,
// rolled-back deltas are excluded.
func (db *DB) ListDeltasByRun(ctx context.Context, runID string, appliedOnly bool) ([]model.Delta, error) {
	if err := requireRun(ctx, db.pool, runID); err != nil {
		return nil, err
	}
	q := `SELECT ` + deltaColumns + ` FROM deltas WHERE run_id = $1`
	if appliedOnly {
		q += ` AND status = 'applied'`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := db.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list deltas: %w", err)
	}
	defer rows.Close()

	out := []model.Delta{}
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan delta: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate deltas: %w", err)
	}
	return out, nil
}

func insertEdits(ctx context.Context, tx pgx.Tx, edits []model.MemoryEdit) error {
	if len(edits) == 0 {
		return nil
	}
	rows := make([][]any, len(edits))
	for i, e := range edits {
		before, err := marshalSnapshot(e.Before)
		if err != nil {
			return err
		}
		after, err := marshalSnapshot(e.After)
		if err != nil {
			return err
		}
		rows[i] = []any{e.ID, e.MemID, e.CreatedAt, e.Actor, e.Reason, before, after}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"memory_edit_log"},
		[]string{"id", "mem_id", "created_at", "actor", "reason", "before", "after"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: copy memory edits: %w", err)
	}
	return nil
}

// marshalSnapshot returns nil for a nil item so the column stores SQL NULL.
func marshalSnapshot(m *model.MemoryItem) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal memory snapshot: %w", err)
	}
	return b, nil
}
