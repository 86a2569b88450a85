package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

// claimLockKey serializes claim transactions across processes sharing one
// database. Any constant works as long as nothing else uses it.
const claimLockKey int64 = 0x61737361795f71 // "assay_q"

// Claimed is the unit of work ClaimNext handed out. Exactly one of Run and
// Job is set; Batch accompanies Run.
type Claimed struct {
	Run   *model.Run
	Batch *model.Batch
	Job   *model.Job
}

// ClaimNext atomically moves the oldest queued run, or failing that the
// oldest queued job, to running. It returns nil when something is already
// running or nothing is queued. Runs take precedence over jobs.
func (db *DB) ClaimNext(ctx context.Context) (*Claimed, error) {
	var claimed *Claimed
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		claimed = nil
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
			return fmt.Errorf("storage: claim lock: %w", err)
		}

		var busy bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM runs WHERE status = 'running')
			     OR EXISTS (SELECT 1 FROM jobs WHERE status = 'running')`,
		).Scan(&busy); err != nil {
			return fmt.Errorf("storage: check running: %w", err)
		}
		if busy {
			return nil
		}

		run, err := scanRun(tx.QueryRow(ctx,
			`UPDATE runs SET status = 'running', started_at = clock_timestamp()
			 WHERE id = (
			     SELECT id FROM runs WHERE status = 'queued'
			     ORDER BY created_at, run_index, id
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED)
			 RETURNING `+runColumns,
		))
		switch {
		case err == nil:
			batch, err := scanBatch(tx.QueryRow(ctx,
				`UPDATE batches
				 SET status = CASE WHEN status = 'queued' THEN 'running' ELSE status END,
				     started_at = COALESCE(started_at, clock_timestamp())
				 WHERE id = $1
				 RETURNING `+batchColumns,
				run.BatchID,
			))
			if err != nil {
				return fmt.Errorf("storage: start batch: %w", err)
			}
			claimed = &Claimed{Run: &run, Batch: &batch}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("storage: claim run: %w", err)
		}

		job, err := scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'running', started_at = clock_timestamp()
			 WHERE id = (
			     SELECT id FROM jobs WHERE status = 'queued'
			     ORDER BY created_at, id
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED)
			 RETURNING `+jobColumns,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: claim job: %w", err)
		}
		claimed = &Claimed{Job: &job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// QueueDepth returns the number of queued runs and jobs.
func (db *DB) QueueDepth(ctx context.Context) (runs, jobs int64, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM runs WHERE status = 'queued'),
		        (SELECT count(*) FROM jobs WHERE status = 'queued')`,
	).Scan(&runs, &jobs)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return runs, jobs, nil
}
