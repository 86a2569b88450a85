package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
)

const batchColumns = `id, created_at, started_at, ended_at, status, request_payload,
	config_snapshot, error, schema_version, extra`

func scanBatch(row pgx.Row) (model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.CreatedAt, &b.StartedAt, &b.EndedAt, &b.Status, &b.Request,
		&b.ConfigSnapshot, &b.Error, &b.SchemaVersion, &b.Extra)
	return b, err
}

// IdempotencyParams identifies an idempotent write.
type IdempotencyParams struct {
	Endpoint    string
	Key         string
	RequestHash string
}

// CreateBatchResult is the outcome of CreateBatch. Replayed is true when the
// response came from a previously completed request with the same key.
type CreateBatchResult struct {
	Response model.CreateBatchResponse
	Replayed bool
}

// CreateBatch persists a batch, its queued runs and (when idem is non-nil)
// the idempotency record in one transaction. A key seen before with the same
// hash replays the stored response without writing anything; a different
// hash fails with ErrIdempotencyPayloadMismatch.
func (db *DB) CreateBatch(ctx context.Context, batch model.Batch, runs []model.Run, idem *IdempotencyParams) (CreateBatchResult, error) {
	var result CreateBatchResult
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if idem != nil {
			lookup, owned, err := reserveIdempotency(ctx, tx, *idem)
			if err != nil {
				return err
			}
			if !owned {
				if err := decodeJSON(lookup, &result.Response); err != nil {
					return fmt.Errorf("storage: decode idempotent replay: %w", err)
				}
				result.Replayed = true
				return nil
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO batches (id, created_at, status, request_payload, config_snapshot, schema_version, extra)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			batch.ID, batch.CreatedAt, batch.Status, batch.Request, batch.ConfigSnapshot,
			batch.SchemaVersion, batch.Extra,
		); err != nil {
			return fmt.Errorf("storage: insert batch: %w", err)
		}

		rows := make([][]any, len(runs))
		for i, r := range runs {
			rows[i] = []any{r.ID, r.BatchID, r.Index, r.CreatedAt, string(r.Status), r.SchemaVersion, r.Extra}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"runs"},
			[]string{"id", "batch_id", "run_index", "created_at", "status", "schema_version", "extra"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: copy runs: %w", err)
		}

		result.Response = model.CreateBatchResponse{Batch: batch, Runs: runs}
		if idem != nil {
			if err := completeIdempotency(ctx, tx, *idem, result.Response); err != nil {
				return err
			}
		}
		return notifyQueue(ctx, tx, "run")
	})
	if err != nil {
		return CreateBatchResult{}, err
	}
	return result, nil
}

// GetBatch returns a batch by id.
func (db *DB) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	b, err := scanBatch(db.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Batch{}, fmt.Errorf("storage: batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: get batch: %w", err)
	}
	return b, nil
}

// ListBatchesParams filters and pages ListBatches.
type ListBatchesParams struct {
	After    *pagination.Cursor
	Limit    int
	Statuses []model.Status
}

// ListBatches returns batches in creation order. It fetches one row beyond
// the limit so the caller can tell whether more pages exist.
func (db *DB) ListBatches(ctx context.Context, p ListBatchesParams) (pagination.Page[model.Batch], error) {
	limit := pagination.ClampLimit(p.Limit)
	q := `SELECT ` + batchColumns + ` FROM batches WHERE TRUE`
	args := []any{}
	if p.After != nil {
		args = append(args, p.After.CreatedAt, p.After.ID)
		q += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	if len(p.Statuses) > 0 {
		args = append(args, statusStrings(p.Statuses))
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return pagination.Page[model.Batch]{}, fmt.Errorf("storage: list batches: %w", err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return pagination.Page[model.Batch]{}, fmt.Errorf("storage: scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[model.Batch]{}, fmt.Errorf("storage: list batches: %w", err)
	}
	return pagination.NewPage(out, limit, func(b model.Batch) pagination.Cursor {
		return pagination.Cursor{CreatedAt: b.CreatedAt, ID: b.ID}
	}), nil
}

// FinalizeBatch sets a batch's terminal status once none of its runs is
// queued or running: failed if any run failed, else canceled if any run was
// canceled, else completed. It returns the batch status after the call and
// is a no-op for a batch that is already terminal or still has live runs.
func (db *DB) FinalizeBatch(ctx context.Context, batchID string) (model.Status, error) {
	var status model.Status
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		status, err = finalizeBatchTx(ctx, tx, batchID)
		return err
	})
	return status, err
}

func finalizeBatchTx(ctx context.Context, tx pgx.Tx, batchID string) (model.Status, error) {
	if _, err := tx.Exec(ctx,
		`UPDATE batches b
		 SET status = CASE
		         WHEN EXISTS (SELECT 1 FROM runs r WHERE r.batch_id = b.id AND r.status = 'failed') THEN 'failed'
		         WHEN EXISTS (SELECT 1 FROM runs r WHERE r.batch_id = b.id AND r.status = 'canceled') THEN 'canceled'
		         ELSE 'completed'
		     END,
		     ended_at = clock_timestamp()
		 WHERE b.id = $1
		   AND b.status IN ('queued', 'running')
		   AND NOT EXISTS (SELECT 1 FROM runs r WHERE r.batch_id = b.id AND r.status IN ('queued', 'running'))`,
		batchID,
	); err != nil {
		return "", fmt.Errorf("storage: finalize batch: %w", err)
	}
	var status model.Status
	err := tx.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1`, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("storage: batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage: read batch status: %w", err)
	}
	return status, nil
}

func statusStrings(ss []model.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
