package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

// ReconcileResult counts what FailInterrupted repaired.
type ReconcileResult struct {
	Runs    int `json:"runs"`
	Jobs    int `json:"jobs"`
	Batches int `json:"batches"`
}

// FailInterrupted fails every run and job left running by a previous process
// with the given reason, appending run_failed or job_failed for each, then
// gives every batch left running whose runs are all terminal its derived
// status. Everything happens in one transaction; a second call finds nothing
// to do.
func (db *DB) FailInterrupted(ctx context.Context, reason string) (ReconcileResult, error) {
	var res ReconcileResult
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		res = ReconcileResult{}

		runRows, err := tx.Query(ctx,
			`UPDATE runs SET status = 'failed', error = $1, ended_at = clock_timestamp()
			 WHERE status = 'running'
			 RETURNING id`,
			reason,
		)
		if err != nil {
			return fmt.Errorf("storage: fail running runs: %w", err)
		}
		runIDs, err := pgx.CollectRows(runRows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("storage: collect failed runs: %w", err)
		}
		for _, id := range runIDs {
			if _, err := appendEvent(ctx, tx, id, EventInput{
				Type:    model.EventRunFailed,
				Payload: model.ReasonPayload{Error: reason},
			}); err != nil {
				return err
			}
		}
		res.Runs = len(runIDs)

		type failedJob struct{ id, runID string }
		jobRows, err := tx.Query(ctx,
			`UPDATE jobs SET status = 'failed', error = $1, ended_at = clock_timestamp()
			 WHERE status = 'running'
			 RETURNING id, run_id`,
			reason,
		)
		if err != nil {
			return fmt.Errorf("storage: fail running jobs: %w", err)
		}
		jobs, err := pgx.CollectRows(jobRows, func(row pgx.CollectableRow) (failedJob, error) {
			var j failedJob
			err := row.Scan(&j.id, &j.runID)
			return j, err
		})
		if err != nil {
			return fmt.Errorf("storage: collect failed jobs: %w", err)
		}
		for _, j := range jobs {
			if _, err := appendEvent(ctx, tx, j.runID, EventInput{
				Type:    model.EventJobFailed,
				Payload: model.ReasonPayload{Error: reason, JobID: j.id},
			}); err != nil {
				return err
			}
		}
		res.Jobs = len(jobs)

		batchRows, err := tx.Query(ctx, `SELECT id FROM batches WHERE status IN ('queued', 'running')`)
		if err != nil {
			return fmt.Errorf("storage: list live batches: %w", err)
		}
		batchIDs, err := pgx.CollectRows(batchRows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("storage: collect live batches: %w", err)
		}
		for _, id := range batchIDs {
			status, err := finalizeBatchTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if status.Terminal() {
				res.Batches++
			}
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return res, nil
}

// StatusCounts returns how many batches, runs and jobs hold each status.
func (db *DB) StatusCounts(ctx context.Context) (batches, runs, jobs model.StatusCounts, err error) {
	batches, runs, jobs = model.StatusCounts{}, model.StatusCounts{}, model.StatusCounts{}
	rows, err := db.pool.Query(ctx,
		`SELECT 'batch', status, count(*) FROM batches GROUP BY status
		 UNION ALL SELECT 'run', status, count(*) FROM runs GROUP BY status
		 UNION ALL SELECT 'job', status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entity string
			status model.Status
			n      int
		)
		if err := rows.Scan(&entity, &status, &n); err != nil {
			return nil, nil, nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		switch entity {
		case "batch":
			batches[status] = n
		case "run":
			runs[status] = n
		case "job":
			jobs[status] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: iterate status counts: %w", err)
	}
	return batches, runs, jobs, nil
}
