package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/storage"
)

const (
	// settleTimeout bounds every terminal write, which runs detached from
	// the loop context so a drain does not strand a finished unit.
	settleTimeout  = 30 * time.Second
	settleAttempts = 3
)

// settleRun records a run's terminal state. When the requested outcome
// cannot be written it falls back to a bare failure, retried with backoff,
// and reports the status that was actually recorded. ok is false only if the
// run could not be moved out of running at all; the reconciler fails it on
// the next start.
func (w *Worker) settleRun(ctx context.Context, log *slog.Logger, p storage.FinishRunParams) (recorded model.Status, ok bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	err := storage.WithRetry(ctx, func() error {
		_, err := w.deps.DB.FinishRun(ctx, p)
		return err
	})
	if err == nil {
		return p.Status, true
	}
	if errors.Is(err, storage.ErrInvalidTransition) {
		log.Warn("worker: run already left running", "error", err)
		return "", false
	}
	log.Error("worker: record run outcome", "status", p.Status, "error", err)

	msg := "record run outcome: " + err.Error()
	if p.Error != nil {
		msg = *p.Error + "; " + msg
	}
	err = w.retrySettle(ctx, func() error {
		_, err := w.deps.DB.ForceFailRun(ctx, p.RunID, msg)
		return err
	})
	if err != nil {
		log.Error("worker: run left running", "error", err)
		return "", false
	}
	return model.StatusFailed, true
}

// settleJob is settleRun for jobs.
func (w *Worker) settleJob(ctx context.Context, log *slog.Logger, p storage.FinishJobParams) (recorded model.Status, ok bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	err := storage.WithRetry(ctx, func() error {
		_, err := w.deps.DB.FinishJob(ctx, p)
		return err
	})
	if err == nil {
		return p.Status, true
	}
	if errors.Is(err, storage.ErrInvalidTransition) {
		log.Warn("worker: job already left running", "error", err)
		return "", false
	}
	log.Error("worker: record job outcome", "status", p.Status, "error", err)

	msg := "record job outcome: " + err.Error()
	if p.Error != nil {
		msg = *p.Error + "; " + msg
	}
	err = w.retrySettle(ctx, func() error {
		_, err := w.deps.DB.ForceFailJob(ctx, p.JobID, msg)
		return err
	})
	if err != nil {
		log.Error("worker: job left running", "error", err)
		return "", false
	}
	return model.StatusFailed, true
}

// retrySettle runs fn up to settleAttempts times, backing off by the poll
// interval. A lost transition race ends it early.
func (w *Worker) retrySettle(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		if err = fn(); err == nil || errors.Is(err, storage.ErrInvalidTransition) {
			return err
		}
		if attempt == settleAttempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt) * w.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
