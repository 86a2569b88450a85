package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

const feedbackColumns = `id, run_id, created_at, updated_at, score, pros, cons, other, schema_version, extra`

func scanFeedback(row pgx.Row) (model.Feedback, error) {
	var f model.Feedback
	err := row.Scan(&f.ID, &f.RunID, &f.CreatedAt, &f.UpdatedAt, &f.Score, &f.Pros, &f.Cons, &f.Other,
		&f.SchemaVersion, &f.Extra)
	return f, err
}

// UpsertFeedback creates or replaces the feedback of a run. The id and
// created_at of an existing row are kept.
func (db *DB) UpsertFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == "" {
		f.ID = model.NewID(model.PrefixFeedback)
	}
	out, err := scanFeedback(db.pool.QueryRow(ctx,
		`INSERT INTO feedback (id, run_id, score, pros, cons, other, schema_version, extra)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id) DO UPDATE SET
		     score = EXCLUDED.score,
		     pros = EXCLUDED.pros,
		     cons = EXCLUDED.cons,
		     other = EXCLUDED.other,
		     extra = EXCLUDED.extra,
		     updated_at = clock_timestamp()
		 RETURNING `+feedbackColumns,
		f.ID, f.RunID, f.Score, f.Pros, f.Cons, f.Other, f.SchemaVersion, f.Extra,
	))
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Feedback{}, fmt.Errorf("storage: run %s: %w", f.RunID, ErrNotFound)
		}
		return model.Feedback{}, fmt.Errorf("storage: upsert feedback: %w", err)
	}
	return out, nil
}

// GetFeedback returns the feedback recorded for a run.
func (db *DB) GetFeedback(ctx context.Context, runID string) (model.Feedback, error) {
	f, err := scanFeedback(db.pool.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM feedback WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Feedback{}, fmt.Errorf("storage: feedback for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: get feedback: %w", err)
	}
	return f, nil
}
