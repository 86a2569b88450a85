// Package queue is the execution queue: it turns client requests into
// queued batches, runs and jobs, records cancel requests, and hands the
// worker one unit of work at a time.
//
// Both the HTTP API and the CLI go through this service so validation,
// idempotency and dependency checks behave the same everywhere.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/telemetry"
)

// Endpoint scopes idempotency keys for batch creation.
const Endpoint = "POST:/v1/batches"

// Limits bound what a single batch may request.
type Limits struct {
	MaxRuns           int
	MaxRecipesPerRun  int
	MaxUserRequestLen int // Zero keeps the request model's own bound.
}

// Service implements the execution queue operations.
type Service struct {
	db           *storage.DB
	limits       Limits
	llmAvailable bool
	snapshot     map[string]any
	logger       *slog.Logger

	batchesCreated metric.Int64Counter
	jobsEnqueued   metric.Int64Counter
}

// New creates a queue Service. llmAvailable reports whether non dry-run
// batches can execute; snapshot is the non-secret runtime configuration
// stored on every batch so its runs can be replayed.
func New(db *storage.DB, limits Limits, llmAvailable bool, snapshot map[string]any, logger *slog.Logger) *Service {
	meter := telemetry.Meter("assay/queue")
	batches, _ := meter.Int64Counter("assay.batches.created",
		metric.WithDescription("Batches created, excluding idempotent replays"),
	)
	jobs, _ := meter.Int64Counter("assay.jobs.enqueued",
		metric.WithDescription("Background jobs enqueued"),
	)
	return &Service{
		db:             db,
		limits:         limits,
		llmAvailable:   llmAvailable,
		snapshot:       snapshot,
		logger:         logger,
		batchesCreated: batches,
		jobsEnqueued:   jobs,
	}
}

// CreateBatchResult is the outcome of CreateBatch.
type CreateBatchResult struct {
	Batch    model.Batch
	Runs     []model.Run
	Replayed bool
}

// CreateBatch validates req and creates a batch with req.NRuns queued runs.
//
// With a non-empty idempotency key, a repeat of the same request returns the
// original response without creating anything; the same key with a different
// request fails with a conflict. Normal batches fail with
// DependencyUnavailable before any state is written when no language model
// is configured.
func (s *Service) CreateBatch(ctx context.Context, req model.BatchRequest, idempotencyKey string) (CreateBatchResult, error) {
	if err := s.validate(req); err != nil {
		return CreateBatchResult{}, err
	}
	if !req.DryRun && !s.llmAvailable {
		return CreateBatchResult{}, model.NewError(model.ErrDependencyUnavailable,
			map[string]any{"missing": []string{"OPENAI_API_KEY"}},
			"missing required runtime configuration for normal runs")
	}

	var idem *storage.IdempotencyParams
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		hash, err := requestHash(req)
		if err != nil {
			return CreateBatchResult{}, fmt.Errorf("queue: hash request: %w", err)
		}
		idem = &storage.IdempotencyParams{Endpoint: Endpoint, Key: key, RequestHash: hash}
	}

	batch, runs := s.newBatch(req)
	res, err := s.db.CreateBatch(ctx, batch, runs, idem)
	if err != nil {
		return CreateBatchResult{}, fmt.Errorf("queue: create batch: %w", err)
	}
	if res.Replayed {
		s.logger.Info("queue: idempotent replay", "batch_id", res.Response.Batch.ID)
	} else {
		s.batchesCreated.Add(ctx, 1, metric.WithAttributes(attribute.Bool("dry_run", req.DryRun)))
		s.logger.Info("queue: batch created", "batch_id", batch.ID, "n_runs", len(runs), "dry_run", req.DryRun)
	}
	return CreateBatchResult{Batch: res.Response.Batch, Runs: res.Response.Runs, Replayed: res.Replayed}, nil
}

func (s *Service) validate(req model.BatchRequest) error {
	if err := model.Validate(req); err != nil {
		return err
	}
	if req.NRuns > s.limits.MaxRuns {
		return model.NewError(model.ErrInvalidArgument, map[string]any{"n_runs": req.NRuns},
			"n_runs must be in [1..%d]", s.limits.MaxRuns)
	}
	if req.RecipesPerRun > s.limits.MaxRecipesPerRun {
		return model.NewError(model.ErrInvalidArgument, map[string]any{"recipes_per_run": req.RecipesPerRun},
			"recipes_per_run must be in [1..%d]", s.limits.MaxRecipesPerRun)
	}
	if n := utf8.RuneCountInString(req.UserRequest); s.limits.MaxUserRequestLen > 0 && n > s.limits.MaxUserRequestLen {
		return model.NewError(model.ErrInvalidArgument, map[string]any{"user_request_len": n},
			"user_request must be at most %d characters", s.limits.MaxUserRequestLen)
	}
	return nil
}

func (s *Service) newBatch(req model.BatchRequest) (model.Batch, []model.Run) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	stored := req
	stored.UserRequest = strings.TrimSpace(stored.UserRequest)
	if stored.UserRequest == "" {
		stored.UserRequest = model.DefaultUserRequest
	}
	if stored.Extra == nil {
		stored.Extensible = model.NewExtensible(nil)
	}

	snapshot := make(map[string]any, len(s.snapshot)+5)
	for k, v := range s.snapshot {
		snapshot[k] = v
	}
	snapshot["n_runs"] = req.NRuns
	snapshot["recipes_per_run"] = req.RecipesPerRun
	snapshot["temperature"] = req.Temperature
	snapshot["dry_run"] = req.DryRun
	if len(req.Overrides) > 0 {
		snapshot["overrides"] = req.Overrides
	}

	batch := model.Batch{
		ID:             model.NewID(model.PrefixBatch),
		CreatedAt:      now,
		Status:         model.StatusQueued,
		Request:        stored,
		ConfigSnapshot: snapshot,
		Extensible:     model.NewExtensible(nil),
	}
	runs := make([]model.Run, req.NRuns)
	for i := range runs {
		runs[i] = model.Run{
			ID:         model.NewID(model.PrefixRun),
			BatchID:    batch.ID,
			Index:      i + 1,
			CreatedAt:  now,
			Status:     model.StatusQueued,
			Extensible: model.NewExtensible(nil),
		}
	}
	return batch, runs
}

// requestHash is the sha256 of the request's canonical JSON. encoding/json
// emits struct fields in declaration order and map keys sorted, so equal
// requests always hash equally.
func requestHash(req model.BatchRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// EnqueueJob schedules a background job for a run. If one of the same kind is
// already waiting it is returned instead; if one is running, the new job is
// queued as its follow-up.
func (s *Service) EnqueueJob(ctx context.Context, runID string, kind model.JobKind, reason string) (model.Job, error) {
	if !kind.Valid() {
		return model.Job{}, model.NewError(model.ErrInvalidArgument, map[string]any{"kind": kind},
			"unknown job kind %q", kind)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	res, err := s.db.EnqueueJob(ctx, runID, kind, reason)
	if err != nil {
		return model.Job{}, fmt.Errorf("queue: enqueue job: %w", err)
	}
	if res.Created {
		s.jobsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		s.logger.Info("queue: job enqueued", "job_id", res.Job.ID, "run_id", runID, "kind", kind, "reason", reason)
	}
	return res.Job, nil
}

// RequestCancel records a cooperative cancel request for a batch or run.
func (s *Service) RequestCancel(ctx context.Context, target model.CancelTarget, targetID, reason string) (model.CancelRequest, error) {
	var r *string
	if reason = strings.TrimSpace(reason); reason != "" {
		r = &reason
	}
	req, err := s.db.RequestCancel(ctx, target, targetID, r)
	if err != nil {
		return model.CancelRequest{}, fmt.Errorf("queue: request cancel: %w", err)
	}
	s.logger.Info("queue: cancel requested", "cancel_id", req.ID, "target_type", target, "target_id", targetID)
	return req, nil
}

// ClaimNext hands out the next unit of work, or nil when nothing is
// claimable. Transient lock conflicts are retried.
func (s *Service) ClaimNext(ctx context.Context) (*storage.Claimed, error) {
	var claimed *storage.Claimed
	err := storage.WithRetry(ctx, func() error {
		var err error
		claimed, err = s.db.ClaimNext(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim next: %w", err)
	}
	return claimed, nil
}

// RegisterMetrics exposes queue depth and per-status counts as observable
// gauges.
func (s *Service) RegisterMetrics() {
	meter := telemetry.Meter("assay/queue")
	_, _ = meter.Int64ObservableGauge("assay.queue.depth",
		metric.WithDescription("Queued units of work by kind"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			runs, jobs, err := s.db.QueueDepth(ctx)
			if err != nil {
				return err
			}
			o.Observe(runs, metric.WithAttributes(attribute.String("kind", "run")))
			o.Observe(jobs, metric.WithAttributes(attribute.String("kind", "job")))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("assay.runs.by_status",
		metric.WithDescription("Runs by lifecycle status"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			_, runs, _, err := s.db.StatusCounts(ctx)
			if err != nil {
				return err
			}
			for status, n := range runs {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
}
