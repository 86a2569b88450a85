package experience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/telemetry"
)

// Edit log actors.
const (
	ActorLearn    = "learn"
	ActorRollback = "rollback"
)

// OpRequest asks the Engine for one mutation. Add needs Role, Kind and
// Content; Update needs MemID and Content (Role and Kind are kept unless
// set); Archive needs MemID.
type OpRequest struct {
	Op      model.DeltaOpKind `json:"op"`
	MemID   string            `json:"mem_id,omitempty"`
	Role    model.MemoryRole  `json:"role,omitempty"`
	Kind    model.MemoryKind  `json:"kind,omitempty"`
	Content string            `json:"content,omitempty"`
	Extra   map[string]any    `json:"extra,omitempty"`
}

// Engine keeps the content store and the ledger's delta history consistent.
type Engine struct {
	db     *storage.DB
	store  ContentStore
	logger *slog.Logger
	now    func() time.Time

	deltas metric.Int64Counter
}

// NewEngine creates an Engine over store.
func NewEngine(db *storage.DB, store ContentStore, logger *slog.Logger) *Engine {
	deltas, _ := telemetry.Meter("assay/experience").Int64Counter("assay.experience.deltas",
		metric.WithDescription("Deltas applied and rolled back"),
	)
	return &Engine{
		db:     db,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		deltas: deltas,
	}
}

// Store returns the content store the engine mutates.
func (e *Engine) Store() ContentStore { return e.store }

// ApplyDelta executes ops in order against the content store and records
// them as one applied delta. If any op fails, the ops already executed are
// reversed (newest first) and nothing is recorded. An empty ops list still
// records a delta.
func (e *Engine) ApplyDelta(ctx context.Context, runID string, ops []OpRequest) (model.Delta, error) {
	if _, err := e.db.GetRun(ctx, runID); err != nil {
		return model.Delta{}, fmt.Errorf("experience: apply delta: %w", err)
	}
	for i, op := range ops {
		if err := validateOp(op); err != nil {
			return model.Delta{}, fmt.Errorf("experience: op %d: %w", i, err)
		}
	}

	deltaID := model.NewID(model.PrefixDelta)
	applied := make([]model.DeltaOp, 0, len(ops))
	for i, op := range ops {
		dop, err := e.execute(ctx, runID, op)
		if err != nil {
			e.compensate(ctx, applied)
			return model.Delta{}, fmt.Errorf("experience: op %d (%s): %w", i, op.Op, err)
		}
		applied = append(applied, dop)
	}

	now := e.now()
	edits := make([]model.MemoryEdit, len(applied))
	index := make([]model.MemoryIndexEntry, len(applied))
	for i, op := range applied {
		edits[i] = model.MemoryEdit{
			ID:        model.NewID(model.PrefixMemEdit),
			MemID:     op.MemID,
			CreatedAt: now,
			Actor:     ActorLearn,
			Reason:    fmt.Sprintf("%s via %s", op.Op, deltaID),
			Before:    op.Before,
			After:     op.After,
		}
		index[i] = op.After.IndexEntry()
	}

	d, err := e.db.RecordDelta(ctx, storage.RecordDeltaParams{
		Delta: model.Delta{
			ID:         deltaID,
			RunID:      runID,
			Status:     model.DeltaApplied,
			Ops:        applied,
			Extensible: model.NewExtensible(nil),
		},
		Edits: edits,
		Index: index,
	})
	if err != nil {
		e.compensate(ctx, applied)
		return model.Delta{}, fmt.Errorf("experience: record delta: %w", err)
	}
	e.deltas.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "applied")))
	e.logger.Info("experience: delta applied", "run_id", runID, "delta_id", d.ID, "n_ops", len(applied))
	return d, nil
}

func validateOp(op OpRequest) error {
	switch op.Op {
	case model.OpAdd:
		if !op.Role.Valid() {
			return model.InvalidArgument("add: invalid role %q", op.Role)
		}
		if !op.Kind.Valid() {
			return model.InvalidArgument("add: invalid kind %q", op.Kind)
		}
		if strings.TrimSpace(op.Content) == "" {
			return model.InvalidArgument("add: content must be non-empty")
		}
	case model.OpUpdate:
		if op.MemID == "" {
			return model.InvalidArgument("update: mem_id is required")
		}
		if strings.TrimSpace(op.Content) == "" {
			return model.InvalidArgument("update: content must be non-empty")
		}
		if op.Role != "" && !op.Role.Valid() {
			return model.InvalidArgument("update: invalid role %q", op.Role)
		}
		if op.Kind != "" && !op.Kind.Valid() {
			return model.InvalidArgument("update: invalid kind %q", op.Kind)
		}
	case model.OpArchive:
		if op.MemID == "" {
			return model.InvalidArgument("archive: mem_id is required")
		}
	default:
		return model.InvalidArgument("unknown op %q", op.Op)
	}
	return nil
}

// execute performs one op and returns its before/after record.
func (e *Engine) execute(ctx context.Context, runID string, op OpRequest) (model.DeltaOp, error) {
	now := e.now()
	switch op.Op {
	case model.OpAdd:
		src := runID
		item := model.MemoryItem{
			ID:          model.NewMemoryID(),
			Status:      model.MemoryActive,
			Role:        op.Role,
			Kind:        op.Kind,
			Content:     strings.TrimSpace(op.Content),
			SourceRunID: &src,
			CreatedAt:   now,
			UpdatedAt:   now,
			Extensible:  model.NewExtensible(op.Extra),
		}
		if err := e.store.Put(ctx, item); err != nil {
			return model.DeltaOp{}, err
		}
		return model.DeltaOp{Op: model.OpAdd, MemID: item.ID, After: &item}, nil

	case model.OpUpdate:
		before, err := e.store.Get(ctx, op.MemID)
		if err != nil {
			return model.DeltaOp{}, err
		}
		after := before
		after.Content = strings.TrimSpace(op.Content)
		if op.Role != "" {
			after.Role = op.Role
		}
		if op.Kind != "" {
			after.Kind = op.Kind
		}
		if op.Extra != nil {
			after.Extra = op.Extra
		}
		after.UpdatedAt = now
		if err := e.store.Put(ctx, after); err != nil {
			return model.DeltaOp{}, err
		}
		return model.DeltaOp{Op: model.OpUpdate, MemID: op.MemID, Before: &before, After: &after}, nil

	case model.OpArchive:
		before, err := e.store.Get(ctx, op.MemID)
		if err != nil {
			return model.DeltaOp{}, err
		}
		if err := e.store.Archive(ctx, op.MemID); err != nil {
			return model.DeltaOp{}, err
		}
		after, err := e.store.Get(ctx, op.MemID)
		if err != nil {
			return model.DeltaOp{}, err
		}
		return model.DeltaOp{Op: model.OpArchive, MemID: op.MemID, Before: &before, After: &after}, nil
	}
	return model.DeltaOp{}, model.InvalidArgument("unknown op %q", op.Op)
}

// undo reverses one recorded op: an add is archived, anything else is
// restored to its before snapshot.
func (e *Engine) undo(ctx context.Context, op model.DeltaOp) error {
	if op.Op == model.OpAdd || op.Before == nil {
		err := e.store.Archive(ctx, op.MemID)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	return e.store.Put(ctx, *op.Before)
}

// compensate best-effort reverses ops applied before a failure.
func (e *Engine) compensate(ctx context.Context, applied []model.DeltaOp) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := e.undo(ctx, applied[i]); err != nil {
			e.logger.Error("experience: compensation failed",
				"mem_id", applied[i].MemID, "op", applied[i].Op, "error", err)
		}
	}
}

// Rollback strictly reverses an applied delta: every touched item is put
// back to its before snapshot (adds are archived), overwriting any later
// edits. A missing delta yields NotFound and a rolled-back one Conflict.
// If the content store fails midway the delta stays applied and Rollback can
// be retried; every step is idempotent.
func (e *Engine) Rollback(ctx context.Context, deltaID, reason string) (model.Delta, error) {
	d, err := e.db.GetDelta(ctx, deltaID)
	if err != nil {
		return model.Delta{}, fmt.Errorf("experience: rollback: %w", err)
	}
	if d.Status == model.DeltaRolledBack {
		return model.Delta{}, fmt.Errorf("experience: rollback %s: %w", deltaID, storage.ErrAlreadyRolledBack)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}
	payload := model.RollbackPayload{DeltaID: d.ID, Reason: reason, NOps: len(d.Ops)}

	if _, err := e.db.AppendEvent(ctx, d.RunID, storage.EventInput{Type: model.EventRollbackStarted, Payload: payload}); err != nil {
		return model.Delta{}, fmt.Errorf("experience: rollback started event: %w", err)
	}

	now := e.now()
	edits := make([]model.MemoryEdit, 0, len(d.Ops))
	index := make([]model.MemoryIndexEntry, 0, len(d.Ops))
	for i := len(d.Ops) - 1; i >= 0; i-- {
		op := d.Ops[i]
		var current *model.MemoryItem
		if cur, err := e.store.Get(ctx, op.MemID); err == nil {
			current = &cur
		} else if !errors.Is(err, model.ErrNotFound) {
			return model.Delta{}, fmt.Errorf("experience: rollback read %s: %w", op.MemID, err)
		}
		if err := e.undo(ctx, op); err != nil {
			return model.Delta{}, fmt.Errorf("experience: rollback op %d (%s %s): %w", i, op.Op, op.MemID, err)
		}
		restored, err := e.store.Get(ctx, op.MemID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return model.Delta{}, fmt.Errorf("experience: rollback read %s: %w", op.MemID, err)
		}
		edits = append(edits, model.MemoryEdit{
			ID:        model.NewID(model.PrefixMemEdit),
			MemID:     op.MemID,
			CreatedAt: now,
			Actor:     ActorRollback,
			Reason:    reason,
			Before:    current,
			After:     &restored,
		})
		index = append(index, restored.IndexEntry())
	}

	out, err := e.db.MarkDeltaRolledBack(ctx, storage.MarkRolledBackParams{
		DeltaID: d.ID,
		Reason:  reason,
		Edits:   edits,
		Index:   index,
		Event:   storage.EventInput{Type: model.EventRollbackCompleted, Payload: payload},
	})
	if err != nil {
		return model.Delta{}, fmt.Errorf("experience: mark rolled back: %w", err)
	}
	e.deltas.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rolled_back")))
	e.logger.Info("experience: delta rolled back", "run_id", d.RunID, "delta_id", d.ID, "reason", reason)
	return out, nil
}

// RollbackLatest rolls back the newest applied delta of a run. NotFound if
// the run has none.
func (e *Engine) RollbackLatest(ctx context.Context, runID, reason string) (model.Delta, error) {
	applied, err := e.AppliedDeltas(ctx, runID)
	if err != nil {
		return model.Delta{}, err
	}
	if len(applied) == 0 {
		return model.Delta{}, fmt.Errorf("experience: run %s has no applied delta: %w", runID, model.ErrNotFound)
	}
	return e.Rollback(ctx, applied[0].ID, reason)
}

// RollbackAll rolls back every applied delta of a run, newest first, and
// returns the ids it rolled back.
func (e *Engine) RollbackAll(ctx context.Context, runID, reason string) ([]string, error) {
	applied, err := e.AppliedDeltas(ctx, runID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(applied))
	for _, d := range applied {
		if _, err := e.Rollback(ctx, d.ID, reason); err != nil {
			return ids, err
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// AppliedDeltas returns a run's applied deltas, newest first.
func (e *Engine) AppliedDeltas(ctx context.Context, runID string) ([]model.Delta, error) {
	ds, err := e.db.ListDeltasByRun(ctx, runID, true)
	if err != nil {
		return nil, fmt.Errorf("experience: applied deltas: %w", err)
	}
	return ds, nil
}
