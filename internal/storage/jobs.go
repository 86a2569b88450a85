package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

const jobColumns = `id, run_id, kind, created_at, started_at, ended_at, status, error, reason,
	supersedes_job_id, schema_version, extra`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.RunID, &j.Kind, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.Status,
		&j.Error, &j.Reason, &j.SupersedesJobID, &j.SchemaVersion, &j.Extra)
	return j, err
}

// LearnQueuedPayload is the payload of learn_queued.
type LearnQueuedPayload struct {
	JobID           string  `json:"job_id"`
	Kind            string  `json:"kind"`
	Reason          string  `json:"reason"`
	SupersedesJobID *string `json:"supersedes_job_id"`
}

// EnqueueJobResult reports whether EnqueueJob created a job or returned one
// already waiting.
type EnqueueJobResult struct {
	Job     model.Job
	Created bool
}

// EnqueueJob schedules a background job for a run. At most one job per
// (run, kind) waits in the queue: if one is already queued it is returned
// unchanged. If one is running, the new job records it in
// supersedes_job_id so the follow-up sees the latest state.
//
// The run row is locked for the duration so concurrent enqueues for the same
// run serialize.
func (db *DB) EnqueueJob(ctx context.Context, runID string, kind model.JobKind, reason string) (EnqueueJobResult, error) {
	var res EnqueueJobResult
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: lock run: %w", err)
		}

		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE run_id = $1 AND kind = $2 AND status = 'queued'
			 ORDER BY created_at DESC LIMIT 1`,
			runID, string(kind),
		))
		if err == nil {
			res = EnqueueJobResult{Job: existing}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: find queued job: %w", err)
		}

		var supersedes *string
		var runningID string
		err = tx.QueryRow(ctx,
			`SELECT id FROM jobs WHERE run_id = $1 AND kind = $2 AND status = 'running'
			 ORDER BY created_at DESC LIMIT 1`,
			runID, string(kind),
		).Scan(&runningID)
		switch {
		case err == nil:
			supersedes = &runningID
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("storage: find running job: %w", err)
		}

		job := model.Job{
			ID:              model.NewID(model.PrefixJob),
			RunID:           runID,
			Kind:            kind,
			CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
			Status:          model.StatusQueued,
			Reason:          reason,
			SupersedesJobID: supersedes,
			Extensible:      model.NewExtensible(nil),
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, run_id, kind, created_at, status, reason, supersedes_job_id, schema_version, extra)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			job.ID, job.RunID, string(job.Kind), job.CreatedAt, string(job.Status), job.Reason,
			job.SupersedesJobID, job.SchemaVersion, job.Extra,
		); err != nil {
			return fmt.Errorf("storage: insert job: %w", err)
		}
		if _, err := appendEvent(ctx, tx, runID, EventInput{
			Type: model.EventLearnQueued,
			Payload: LearnQueuedPayload{
				JobID:           job.ID,
				Kind:            string(job.Kind),
				Reason:          reason,
				SupersedesJobID: supersedes,
			},
		}); err != nil {
			return err
		}
		res = EnqueueJobResult{Job: job, Created: true}
		return notifyQueue(ctx, tx, "job")
	})
	if err != nil {
		return EnqueueJobResult{}, err
	}
	return res, nil
}

// GetJob returns a job by id.
func (db *DB) GetJob(ctx context.Context, id string) (model.Job, error) {
	j, err := scanJob(db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// ListJobsByRun returns every job of a run, oldest first.
func (db *DB) ListJobsByRun(ctx context.Context, runID string) ([]model.Job, error) {
	if err := requireRun(ctx, db.pool, runID); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate jobs: %w", err)
	}
	return jobs, nil
}

// FinishJobParams moves a running job to a terminal status.
type FinishJobParams struct {
	JobID  string
	Status model.Status
	Error  *string
	Event  EventInput
}

// FinishJob writes the job's terminal status and the terminal event on its
// run's trace in one transaction.
func (db *DB) FinishJob(ctx context.Context, p FinishJobParams) (model.Job, error) {
	if !p.Status.Terminal() {
		return model.Job{}, fmt.Errorf("storage: finish job with %q: %w", p.Status, ErrInvalidTransition)
	}
	var job model.Job
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2, error = $3, ended_at = clock_timestamp()
			 WHERE id = $1 AND status = 'running'
			 RETURNING `+jobColumns,
			p.JobID, string(p.Status), p.Error,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: finish job %s: %w", p.JobID, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("storage: finish job: %w", err)
		}
		_, err = appendEvent(ctx, tx, job.RunID, p.Event)
		return err
	})
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// ForceFailJob marks a running job failed with msg. Like ForceFailRun it
// releases the claim slot when FinishJob could not.
func (db *DB) ForceFailJob(ctx context.Context, jobID, msg string) (model.Job, error) {
	var job model.Job
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'failed', error = $2, ended_at = clock_timestamp()
			 WHERE id = $1 AND status = 'running'
			 RETURNING `+jobColumns,
			jobID, msg,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: force fail job %s: %w", jobID, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("storage: force fail job: %w", err)
		}
		_, err = appendEvent(ctx, tx, job.RunID, EventInput{
			Type:    model.EventJobFailed,
			Payload: model.ReasonPayload{Error: msg, JobID: jobID},
		})
		return err
	})
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}
