// Package reconcile repairs the ledger after an unclean shutdown. A single
// process owns the worker loop, so at startup anything still marked running
// was interrupted and will never finish on its own.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/assay/internal/storage"
)

// Reason is recorded as the error of every run and job failed at startup.
const Reason = "server_restarted"

// Run fails every interrupted run and job and finalizes their batches. It
// must complete before the worker loop starts. Calling it twice is harmless.
func Run(ctx context.Context, db *storage.DB, logger *slog.Logger) (storage.ReconcileResult, error) {
	var res storage.ReconcileResult
	err := storage.WithRetry(ctx, func() error {
		var err error
		res, err = db.FailInterrupted(ctx, Reason)
		return err
	})
	if err != nil {
		return storage.ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}
	if res.Runs > 0 || res.Jobs > 0 || res.Batches > 0 {
		logger.Warn("reconcile: failed interrupted work",
			"runs", res.Runs, "jobs", res.Jobs, "batches", res.Batches, "reason", Reason)
	} else {
		logger.Info("reconcile: nothing to repair")
	}
	return res, nil
}
