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

const runColumns = `id, batch_id, run_index, created_at, started_at, ended_at, status, output, error,
	schema_version, extra`

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r      model.Run
		output []byte
	)
	if err := row.Scan(&r.ID, &r.BatchID, &r.Index, &r.CreatedAt, &r.StartedAt, &r.EndedAt,
		&r.Status, &output, &r.Error, &r.SchemaVersion, &r.Extra); err != nil {
		return model.Run{}, err
	}
	if len(output) > 0 {
		var out model.RunOutput
		if err := json.Unmarshal(output, &out); err != nil {
			return model.Run{}, fmt.Errorf("decode run output: %w", err)
		}
		r.Output = &out
	}
	return r, nil
}

// GetRun returns a run by id.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRunsParams pages the runs of one batch.
type ListRunsParams struct {
	BatchID string
	After   *pagination.Cursor
	Limit   int
}

// ListRunsByBatch returns a batch's runs in creation order. A missing batch
// yields ErrNotFound.
func (db *DB) ListRunsByBatch(ctx context.Context, p ListRunsParams) (pagination.Page[model.Run], error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, p.BatchID,
	).Scan(&exists); err != nil {
		return pagination.Page[model.Run]{}, fmt.Errorf("storage: check batch: %w", err)
	}
	if !exists {
		return pagination.Page[model.Run]{}, fmt.Errorf("storage: batch %s: %w", p.BatchID, ErrNotFound)
	}

	limit := pagination.ClampLimit(p.Limit)
	q := `SELECT ` + runColumns + ` FROM runs WHERE batch_id = $1`
	args := []any{p.BatchID}
	if p.After != nil {
		args = append(args, p.After.CreatedAt, p.After.ID)
		q += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return pagination.Page[model.Run]{}, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return pagination.Page[model.Run]{}, err
	}
	return pagination.NewPage(runs, limit, func(r model.Run) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	}), nil
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate runs: %w", err)
	}
	return runs, nil
}

// FinishRunParams moves a running run to a terminal status.
type FinishRunParams struct {
	RunID  string
	Status model.Status
	Output *model.RunOutput
	Error  *string
	Event  EventInput
}

// FinishRun writes the run's terminal status and its terminal trace event in
// one transaction, then finalizes the batch if this was its last live run.
// It fails with ErrInvalidTransition unless the run is currently running.
func (db *DB) FinishRun(ctx context.Context, p FinishRunParams) (model.Run, error) {
	if !p.Status.Terminal() {
		return model.Run{}, fmt.Errorf("storage: finish run with %q: %w", p.Status, ErrInvalidTransition)
	}
	var output []byte
	if p.Output != nil {
		var err error
		if output, err = json.Marshal(p.Output); err != nil {
			return model.Run{}, fmt.Errorf("storage: marshal run output: %w", err)
		}
	}

	var run model.Run
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		run, err = scanRun(tx.QueryRow(ctx,
			`UPDATE runs SET status = $2, output = $3::jsonb, error = $4, ended_at = clock_timestamp()
			 WHERE id = $1 AND status = 'running'
			 RETURNING `+runColumns,
			p.RunID, string(p.Status), output, p.Error,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			if err := requireRun(ctx, tx, p.RunID); err != nil {
				return err
			}
			return fmt.Errorf("storage: finish run %s: %w", p.RunID, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("storage: finish run: %w", err)
		}
		if _, err := appendEvent(ctx, tx, p.RunID, p.Event); err != nil {
			return err
		}
		_, err = finalizeBatchTx(ctx, tx, run.BatchID)
		return err
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// ForceFailRun marks a running run failed with msg and no output, appending
// its run_failed event and finalizing the batch. It is the last resort when
// FinishRun cannot record the outcome it was asked to, so the run never
// holds the claim slot after its pipeline has returned.
func (db *DB) ForceFailRun(ctx context.Context, runID, msg string) (model.Run, error) {
	var run model.Run
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		run, err = scanRun(tx.QueryRow(ctx,
			`UPDATE runs SET status = 'failed', output = NULL, error = $2, ended_at = clock_timestamp()
			 WHERE id = $1 AND status = 'running'
			 RETURNING `+runColumns,
			runID, msg,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: force fail run %s: %w", runID, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("storage: force fail run: %w", err)
		}
		if _, err := appendEvent(ctx, tx, runID, EventInput{
			Type:    model.EventRunFailed,
			Payload: model.ReasonPayload{Error: msg},
		}); err != nil {
			return err
		}
		_, err = finalizeBatchTx(ctx, tx, run.BatchID)
		return err
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}
