package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EventInput is an event to append as part of a larger state change.
type EventInput struct {
	Type    model.EventType
	Payload any
}

// AppendEvent appends one event to a run's trace. The payload is stored as
// JSONB and never inspected. A missing run yields ErrNotFound.
func (db *DB) AppendEvent(ctx context.Context, runID string, in EventInput) (model.TraceEvent, error) {
	return appendEvent(ctx, db.pool, runID, in)
}

// appendEvent assigns created_at as the later of the wall clock and one
// microsecond past the run's newest event, so (created_at, id) order always
// equals append order even when the clock does not advance between appends.
func appendEvent(ctx context.Context, q querier, runID string, in EventInput) (model.TraceEvent, error) {
	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return model.TraceEvent{}, fmt.Errorf("storage: marshal %s payload: %w", in.Type, err)
	}

	ev := model.TraceEvent{
		ID:      model.NewID(model.PrefixEvent),
		RunID:   runID,
		Type:    in.Type,
		Payload: payload,
	}
	err = q.QueryRow(ctx,
		`INSERT INTO trace_events (id, run_id, created_at, event_type, payload)
		 SELECT $1::text, $2::text,
		        GREATEST(clock_timestamp(),
		                 (SELECT max(created_at) FROM trace_events WHERE run_id = $2::text) + interval '1 microsecond'),
		        $3::text, $4::jsonb
		 RETURNING created_at`,
		ev.ID, runID, string(in.Type), payload,
	).Scan(&ev.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.TraceEvent{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.TraceEvent{}, fmt.Errorf("storage: append event: %w", err)
	}
	return ev, nil
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	}
	return json.Marshal(p)
}

// ListEventsParams filters and pages ListEvents.
type ListEventsParams struct {
	RunID          string
	After          *pagination.Cursor
	Limit          int
	Types          []model.EventType
	IncludePayload bool
}

// ListEvents returns a page of a run's trace in append order. Without
// IncludePayload the payload column is not selected at all. A missing run
// yields ErrNotFound rather than an empty page.
func (db *DB) ListEvents(ctx context.Context, p ListEventsParams) (pagination.Page[model.TraceEvent], error) {
	if err := requireRun(ctx, db.pool, p.RunID); err != nil {
		return pagination.Page[model.TraceEvent]{}, err
	}

	limit := pagination.ClampLimit(p.Limit)
	cols := `id, run_id, created_at, event_type`
	if p.IncludePayload {
		cols += `, payload`
	}
	q := `SELECT ` + cols + ` FROM trace_events WHERE run_id = $1`
	args := []any{p.RunID}
	if p.After != nil {
		args = append(args, p.After.CreatedAt, p.After.ID)
		q += fmt.Sprintf(` AND (created_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	if len(p.Types) > 0 {
		types := make([]string, len(p.Types))
		for i, t := range p.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		q += fmt.Sprintf(` AND event_type = ANY($%d)`, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return pagination.Page[model.TraceEvent]{}, fmt.Errorf("storage: list events: %w", err)
	}
	events, err := scanEvents(rows, p.IncludePayload)
	if err != nil {
		return pagination.Page[model.TraceEvent]{}, err
	}
	return pagination.NewPage(events, limit, func(e model.TraceEvent) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	}), nil
}

// GetEvent returns one event with its payload.
func (db *DB) GetEvent(ctx context.Context, runID, eventID string) (model.TraceEvent, error) {
	if err := requireRun(ctx, db.pool, runID); err != nil {
		return model.TraceEvent{}, err
	}
	var ev model.TraceEvent
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, created_at, event_type, payload
		 FROM trace_events WHERE run_id = $1 AND id = $2`,
		runID, eventID,
	).Scan(&ev.ID, &ev.RunID, &ev.CreatedAt, &ev.Type, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TraceEvent{}, fmt.Errorf("storage: event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return model.TraceEvent{}, fmt.Errorf("storage: get event: %w", err)
	}
	ev.Payload = payload
	return ev, nil
}

// ListEventsByType returns every event of one type for a run, with payloads,
// in append order.
func (db *DB) ListEventsByType(ctx context.Context, runID string, typ model.EventType) ([]model.TraceEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, created_at, event_type, payload
		 FROM trace_events WHERE run_id = $1 AND event_type = $2
		 ORDER BY created_at, id`,
		runID, string(typ),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s events: %w", typ, err)
	}
	return scanEvents(rows, true)
}

func scanEvents(rows pgx.Rows, withPayload bool) ([]model.TraceEvent, error) {
	defer rows.Close()
	var events []model.TraceEvent
	for rows.Next() {
		var ev model.TraceEvent
		dest := []any{&ev.ID, &ev.RunID, &ev.CreatedAt, &ev.Type}
		var payload []byte
		if withPayload {
			dest = append(dest, &payload)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if withPayload {
			ev.Payload = payload
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate events: %w", err)
	}
	return events, nil
}

func requireRun(ctx context.Context, q querier, runID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check run: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
