// Package trace records and serves the append-only event log of each run.
//
// Every observable step of a run (collaborator calls, alias assignment,
// lifecycle transitions, learning and rollback) becomes one TraceEvent.
// Events are never updated or deleted, and listing them in creation order
// reproduces exactly the order they were appended.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/telemetry"
)

// Recorder appends and reads trace events.
type Recorder struct {
	db     *storage.DB
	logger *slog.Logger

	appended metric.Int64Counter
}

// NewRecorder creates a Recorder.
func NewRecorder(db *storage.DB, logger *slog.Logger) *Recorder {
	appended, _ := telemetry.Meter("assay/trace").Int64Counter("assay.trace.events",
		metric.WithDescription("Trace events appended by type"),
	)
	return &Recorder{db: db, logger: logger, appended: appended}
}

// Append records one event on a run. Payloads of any size are accepted and
// stored verbatim. An unknown run yields NotFound.
func (r *Recorder) Append(ctx context.Context, runID string, typ model.EventType, payload any) (model.TraceEvent, error) {
	if strings.TrimSpace(string(typ)) == "" {
		return model.TraceEvent{}, model.InvalidArgument("event type is required")
	}
	ev, err := r.db.AppendEvent(ctx, runID, storage.EventInput{Type: typ, Payload: payload})
	if err != nil {
		return model.TraceEvent{}, fmt.Errorf("trace: append %s: %w", typ, err)
	}
	r.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
	r.logger.Debug("trace: event appended", "run_id", runID, "event_id", ev.ID, "type", typ)
	return ev, nil
}

// ListParams selects a page of a run's trace.
type ListParams struct {
	Cursor         string
	Limit          int
	Types          []model.EventType
	IncludePayload bool
}

// List returns a page of a run's events in creation order. Payloads are only
// loaded when IncludePayload is set. A malformed cursor yields
// InvalidArgument; an unknown run yields NotFound.
func (r *Recorder) List(ctx context.Context, runID string, p ListParams) (pagination.Page[model.TraceEvent], error) {
	after, err := pagination.Decode(p.Cursor)
	if err != nil {
		return pagination.Page[model.TraceEvent]{}, err
	}
	page, err := r.db.ListEvents(ctx, storage.ListEventsParams{
		RunID:          runID,
		After:          after,
		Limit:          p.Limit,
		Types:          p.Types,
		IncludePayload: p.IncludePayload,
	})
	if err != nil {
		return pagination.Page[model.TraceEvent]{}, fmt.Errorf("trace: list: %w", err)
	}
	return page, nil
}

// Get returns one event with its payload.
func (r *Recorder) Get(ctx context.Context, runID, eventID string) (model.TraceEvent, error) {
	ev, err := r.db.GetEvent(ctx, runID, eventID)
	if err != nil {
		return model.TraceEvent{}, fmt.Errorf("trace: get: %w", err)
	}
	return ev, nil
}

// ByType returns every event of one type on a run, with payloads.
func (r *Recorder) ByType(ctx context.Context, runID string, typ model.EventType) ([]model.TraceEvent, error) {
	events, err := r.db.ListEventsByType(ctx, runID, typ)
	if err != nil {
		return nil, fmt.Errorf("trace: list %s: %w", typ, err)
	}
	return events, nil
}
