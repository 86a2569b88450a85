// Package worker runs the single cooperative execution loop. It claims one
// unit of work at a time (a run, or failing that a background job), executes
// it to a terminal status, and never lets a failing unit stop the loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pipeline"
	"github.com/ashita-ai/assay/internal/service/queue"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/telemetry"
)

// Cancel reasons recorded on run_canceled.
const (
	ReasonCancelRequested      = "cancel_requested"
	ReasonBatchCancelRequested = "batch_cancel_requested"
)

// Learner handles learn jobs.
type Learner interface {
	Learn(ctx context.Context, job model.Job) (model.Delta, error)
}

// Config wires a Worker.
type Config struct {
	PollInterval time.Duration
	// Listen wakes the loop on queue notifications in addition to polling.
	Listen bool
}

// Deps are the collaborators a Worker drives. Recommend and Learner may be
// nil; units that need them then fail.
type Deps struct {
	DB        *storage.DB
	Queue     *queue.Service
	Trace     *trace.Recorder
	Citations *citation.Registry
	DryRun    pipeline.Pipeline
	Recommend pipeline.Pipeline
	Learner   Learner
}

// Unit identifies the unit of work in progress.
type Unit struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time snapshot of the loop.
type Status struct {
	Enabled               bool       `json:"enabled"`
	Running               bool       `json:"running"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	LastTickAt            *time.Time `json:"last_tick_at,omitempty"`
	Current               *Unit      `json:"current,omitempty"`
	Processed             int64      `json:"processed"`
	Failed                int64      `json:"failed"`
	ReconciledRunningRuns int        `json:"reconciled_running_runs"`
}

// Worker is the execution loop.
type Worker struct {
	deps         Deps
	logger       *slog.Logger
	pollInterval time.Duration
	listen       bool

	started    atomic.Bool
	running    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	mu     sync.Mutex
	status Status

	units metric.Int64Counter
}

// New creates a Worker. Call Start to begin polling, or Tick to process one
// unit synchronously.
func New(deps Deps, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if deps.DryRun == nil {
		deps.DryRun = pipeline.DryRun{}
	}
	units, _ := telemetry.Meter("assay/worker").Int64Counter("assay.worker.units",
		metric.WithDescription("Units of work processed by kind and outcome"),
	)
	return &Worker{
		deps:         deps,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		listen:       cfg.Listen,
		done:         make(chan struct{}),
		units:        units,
	}
}

// Start begins the background loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	now := time.Now().UTC()
	w.mu.Lock()
	w.status.Enabled = true
	w.status.StartedAt = &now
	w.mu.Unlock()
	w.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	w.running.Store(true)
	go w.loop(loopCtx)
	w.logger.Info("worker: started", "poll_interval", w.pollInterval, "listen", w.listen)
}

// Drain stops claiming new work and blocks until the unit in progress
// finishes or ctx expires. A unit cut off by ctx stays running in the ledger
// and is failed by the reconciler on the next start.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
		w.logger.Info("worker: drained")
	case <-ctx.Done():
		w.logger.Warn("worker: drain timed out")
	}
}

// SetReconciled records how many running runs the startup reconciler failed.
func (w *Worker) SetReconciled(runs int) {
	w.mu.Lock()
	w.status.ReconciledRunningRuns = runs
	w.mu.Unlock()
}

// Status returns a snapshot of the loop.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Running = w.running.Load()
	if s.Current != nil {
		cur := *s.Current
		s.Current = &cur
	}
	return s
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.running.Store(false)
		w.once.Do(func() { close(w.done) })
	}()

	wake := make(chan struct{}, 1)
	if w.listen {
		go w.listenLoop(ctx, wake)
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			processed, err := w.Tick(ctx)
			if err != nil {
				w.logger.Error("worker: tick failed", "error", err)
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// listenLoop turns queue notifications into loop wake-ups. Polling remains
// the source of truth; a lost notification only delays work by one interval.
func (w *Worker) listenLoop(ctx context.Context, wake chan<- struct{}) {
	if err := w.deps.DB.Listen(ctx, storage.ChannelQueue); err != nil {
		w.logger.Info("worker: queue notifications unavailable, polling only", "error", err)
		return
	}
	for {
		if _, _, err := w.deps.DB.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("worker: wait for notification", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Tick claims and processes at most one unit. It reports whether a unit was
// processed. Failures of the unit itself are recorded on the unit, not
// returned.
func (w *Worker) Tick(ctx context.Context) (processed bool, err error) {
	now := time.Now().UTC()
	w.mu.Lock()
	w.status.LastTickAt = &now
	w.mu.Unlock()

	claimed, err := w.deps.Queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	// A claimed unit runs to completion even while draining.
	unitCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker: unit panicked outside pipeline", "panic", r, "stack", string(debug.Stack()))
			w.finishUnit("panic", false)
			processed, err = true, nil
		}
	}()

	switch {
	case claimed.Run != nil:
		w.beginUnit("run", claimed.Run.ID)
		ok := w.processRun(unitCtx, *claimed.Run, *claimed.Batch)
		w.finishUnit("run", ok)
	case claimed.Job != nil:
		w.beginUnit("job", claimed.Job.ID)
		ok := w.processJob(unitCtx, *claimed.Job)
		w.finishUnit("job", ok)
	}
	return true, nil
}

func (w *Worker) beginUnit(kind, id string) {
	w.mu.Lock()
	w.status.Current = &Unit{Kind: kind, ID: id, StartedAt: time.Now().UTC()}
	w.mu.Unlock()
}

func (w *Worker) finishUnit(kind string, ok bool) {
	outcome := "ok"
	w.mu.Lock()
	w.status.Current = nil
	w.status.Processed++
	if !ok {
		w.status.Failed++
		outcome = "failed"
	}
	w.mu.Unlock()
	w.units.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

// processRun executes one claimed run and reports whether it completed.
func (w *Worker) processRun(ctx context.Context, run model.Run, batch model.Batch) bool {
	log := w.logger.With("run_id", run.ID, "batch_id", batch.ID)
	checkpoint := w.checkpoint(batch.ID, run.ID)

	if err := checkpoint(ctx); err != nil {
		return w.finishRunWithError(ctx, log, run, batch, err)
	}

	req := batch.Request
	mode := "normal"
	p := w.deps.Recommend
	if req.DryRun {
		mode = "dry_run"
		p = w.deps.DryRun
	}
	if _, err := w.deps.Trace.Append(ctx, run.ID, model.EventRunStarted, model.RunStartedPayload{
		Mode:          mode,
		UserRequest:   req.UserRequest,
		RunIndex:      run.Index,
		NRuns:         req.NRuns,
		RecipesPerRun: req.RecipesPerRun,
		Temperature:   req.Temperature,
	}); err != nil {
		return w.finishRunWithError(ctx, log, run, batch, err)
	}
	if p == nil {
		return w.finishRunWithError(ctx, log, run, batch,
			model.NewError(model.ErrDependencyUnavailable, nil, "no recommendation pipeline configured"))
	}

	rc := &pipeline.RunContext{
		Run:        run,
		Batch:      batch,
		Trace:      w.deps.Trace,
		Citations:  w.deps.Citations,
		Logger:     log,
		Checkpoint: checkpoint,
	}
	out, err := execute(ctx, p, rc)
	if err != nil {
		return w.finishRunWithError(ctx, log, run, batch, err)
	}

	status, settled := w.settleRun(ctx, log, storage.FinishRunParams{
		RunID:  run.ID,
		Status: model.StatusCompleted,
		Output: &out,
		Event:  storage.EventInput{Type: model.EventFinalOutput, Payload: out},
	})
	if !settled {
		return false
	}
	w.afterRun(ctx, log, run, batch, false)
	if status != model.StatusCompleted {
		return false
	}
	log.Info("worker: run completed", "mode", mode, "n_citations", len(out.Citations))
	return true
}

// execute runs the pipeline, converting a panic into an error.
func execute(ctx context.Context, p pipeline.Pipeline, rc *pipeline.RunContext) (out model.RunOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.Logger.Error("worker: pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return p.Execute(ctx, rc)
}

// checkpoint returns the cancellation probe for one run: a batch cancel
// request wins over a run cancel request.
func (w *Worker) checkpoint(batchID, runID string) func(context.Context) error {
	return func(ctx context.Context) error {
		req, err := w.deps.DB.PendingCancel(ctx, batchID, runID)
		if err != nil {
			return fmt.Errorf("worker: check cancel: %w", err)
		}
		if req == nil {
			return nil
		}
		if req.TargetType == model.CancelTargetBatch {
			return &pipeline.CanceledError{Reason: ReasonBatchCancelRequested}
		}
		return &pipeline.CanceledError{Reason: ReasonCancelRequested}
	}
}

func (w *Worker) finishRunWithError(ctx context.Context, log *slog.Logger, run model.Run, batch model.Batch, cause error) bool {
	var canceled *pipeline.CanceledError
	if errors.As(cause, &canceled) {
		status, settled := w.settleRun(ctx, log, storage.FinishRunParams{
			RunID:  run.ID,
			Status: model.StatusCanceled,
			Event:  storage.EventInput{Type: model.EventRunCanceled, Payload: model.ReasonPayload{Reason: canceled.Reason}},
		})
		if !settled {
			return false
		}
		w.afterRun(ctx, log, run, batch, status == model.StatusCanceled)
		if status != model.StatusCanceled {
			return false
		}
		log.Info("worker: run canceled", "reason", canceled.Reason)
		return true
	}

	msg := cause.Error()
	if _, settled := w.settleRun(ctx, log, storage.FinishRunParams{
		RunID:  run.ID,
		Status: model.StatusFailed,
		Error:  &msg,
		Event:  storage.EventInput{Type: model.EventRunFailed, Payload: model.ReasonPayload{Error: msg}},
	}); !settled {
		return false
	}
	log.Warn("worker: run failed", "error", cause)
	w.afterRun(ctx, log, run, batch, false)
	return false
}

// afterRun consumes cancel requests that have done their job.
func (w *Worker) afterRun(ctx context.Context, log *slog.Logger, run model.Run, batch model.Batch, canceled bool) {
	if canceled {
		if err := w.deps.DB.AcknowledgeRunCancel(ctx, run.ID); err != nil {
			log.Warn("worker: acknowledge run cancel", "error", err)
		}
	}
	b, err := w.deps.DB.GetBatch(ctx, batch.ID)
	if err != nil {
		log.Warn("worker: reload batch", "error", err)
		return
	}
	if b.Status.Terminal() {
		if err := w.deps.DB.AcknowledgeBatchCancel(ctx, b.ID); err != nil {
			log.Warn("worker: acknowledge batch cancel", "error", err)
		}
		log.Info("worker: batch finished", "status", b.Status)
	}
}

// processJob executes one claimed job and reports whether it completed.
func (w *Worker) processJob(ctx context.Context, job model.Job) bool {
	log := w.logger.With("job_id", job.ID, "run_id", job.RunID, "kind", job.Kind)
	if _, err := w.deps.Trace.Append(ctx, job.RunID, model.EventJobStarted, model.JobPayload{JobID: job.ID, Kind: job.Kind}); err != nil {
		log.Warn("worker: record job_started", "error", err)
	}

	deltaID, err := w.dispatch(ctx, job)
	if err != nil {
		msg := err.Error()
		w.settleJob(ctx, log, storage.FinishJobParams{
			JobID:  job.ID,
			Status: model.StatusFailed,
			Error:  &msg,
			Event:  storage.EventInput{Type: model.EventJobFailed, Payload: model.ReasonPayload{Error: msg, JobID: job.ID}},
		})
		log.Warn("worker: job failed", "error", err)
		return false
	}

	status, settled := w.settleJob(ctx, log, storage.FinishJobParams{
		JobID:  job.ID,
		Status: model.StatusCompleted,
		Event:  storage.EventInput{Type: model.EventJobCompleted, Payload: model.JobPayload{JobID: job.ID, Kind: job.Kind, DeltaID: deltaID}},
	})
	if !settled || status != model.StatusCompleted {
		return false
	}
	log.Info("worker: job completed", "delta_id", deltaID)
	return true
}

func (w *Worker) dispatch(ctx context.Context, job model.Job) (deltaID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker: job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	switch job.Kind {
	case model.JobKindLearn:
		if w.deps.Learner == nil {
			return "", model.NewError(model.ErrDependencyUnavailable, nil, "no learner configured")
		}
		delta, err := w.deps.Learner.Learn(ctx, job)
		if err != nil {
			return "", err
		}
		return delta.ID, nil
	default:
		return "", model.InvalidArgument("unknown job kind %q", job.Kind)
	}
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("assay/worker")
	_, _ = meter.Int64ObservableGauge("assay.worker.alive",
		metric.WithDescription("1 while the worker loop is running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if w.running.Load() {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	)
}

// Report is the worker snapshot together with ledger counts.
type Report struct {
	Status
	QueuedRuns int64              `json:"queued_runs"`
	QueuedJobs int64              `json:"queued_jobs"`
	Batches    model.StatusCounts `json:"batches"`
	Runs       model.StatusCounts `json:"runs"`
	Jobs       model.StatusCounts `json:"jobs"`
}

// Report returns the current status plus queue depth and per-status counts.
func (w *Worker) Report(ctx context.Context) (Report, error) {
	r := Report{Status: w.Status()}
	var err error
	if r.QueuedRuns, r.QueuedJobs, err = w.deps.DB.QueueDepth(ctx); err != nil {
		return Report{}, fmt.Errorf("worker: report: %w", err)
	}
	if r.Batches, r.Runs, r.Jobs, err = w.deps.DB.StatusCounts(ctx); err != nil {
		return Report{}, fmt.Errorf("worker: report: %w", err)
	}
	return r, nil
}
