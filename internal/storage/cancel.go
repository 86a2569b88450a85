package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

// RequestCancel records a cancel request for a batch or run. It never changes
// the target's status; the worker observes the request at its next
// checkpoint. A missing target yields ErrNotFound.
func (db *DB) RequestCancel(ctx context.Context, target model.CancelTarget, targetID string, reason *string) (model.CancelRequest, error) {
	var table string
	switch target {
	case model.CancelTargetBatch:
		table = "batches"
	case model.CancelTargetRun:
		table = "runs"
	default:
		return model.CancelRequest{}, model.InvalidArgument("unknown cancel target %q", target)
	}

	req := model.CancelRequest{
		ID:         model.NewID(model.PrefixCancel),
		TargetType: target,
		TargetID:   targetID,
		Status:     model.CancelRequested,
		Reason:     reason,
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO cancel_requests (id, target_type, target_id, status, reason)
		 SELECT $1, $2, $3, $4, $5
		 WHERE EXISTS (SELECT 1 FROM `+table+` WHERE id = $3)
		 RETURNING created_at`,
		req.ID, string(target), targetID, string(req.Status), reason,
	).Scan(&req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CancelRequest{}, fmt.Errorf("storage: %s %s: %w", target, targetID, ErrNotFound)
	}
	if err != nil {
		return model.CancelRequest{}, fmt.Errorf("storage: request cancel: %w", err)
	}
	return req, nil
}

// PendingCancel returns the oldest unacknowledged cancel request that applies
// to a run: one on its batch first, then one on the run itself. It returns
// nil when there is none.
func (db *DB) PendingCancel(ctx context.Context, batchID, runID string) (*model.CancelRequest, error) {
	var req model.CancelRequest
	err := db.pool.QueryRow(ctx,
		`SELECT id, target_type, target_id, created_at, status, reason
		 FROM cancel_requests
		 WHERE status = 'requested'
		   AND ((target_type = 'batch' AND target_id = $1) OR (target_type = 'run' AND target_id = $2))
		 ORDER BY (target_type = 'batch') DESC, created_at
		 LIMIT 1`,
		batchID, runID,
	).Scan(&req.ID, &req.TargetType, &req.TargetID, &req.CreatedAt, &req.Status, &req.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: pending cancel: %w", err)
	}
	return &req, nil
}

// AcknowledgeRunCancel marks the run's own cancel requests consumed. Batch
// requests stay pending so they keep applying to the batch's later runs.
func (db *DB) AcknowledgeRunCancel(ctx context.Context, runID string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE cancel_requests SET status = 'acknowledged'
		 WHERE target_type = 'run' AND target_id = $1 AND status = 'requested'`,
		runID,
	); err != nil {
		return fmt.Errorf("storage: acknowledge cancel: %w", err)
	}
	return nil
}

// AcknowledgeBatchCancel marks a batch's cancel requests consumed once the
// batch is terminal.
func (db *DB) AcknowledgeBatchCancel(ctx context.Context, batchID string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE cancel_requests SET status = 'acknowledged'
		 WHERE target_type = 'batch' AND target_id = $1 AND status = 'requested'`,
		batchID,
	); err != nil {
		return fmt.Errorf("storage: acknowledge batch cancel: %w", err)
	}
	return nil
}
