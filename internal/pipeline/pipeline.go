// Package pipeline holds the recommendation strategies a worker executes for
// each claimed run. A pipeline records every collaborator call on the run's
// trace and registers every piece of evidence it shows the model with the
// citation registry before the model can cite it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/retrieval"
	"github.com/ashita-ai/assay/internal/service/trace"
)

// ErrCanceled is returned through Checkpoint when a cancel request for the
// run or its batch is pending.
var ErrCanceled = errors.New("pipeline: run canceled")

// CanceledError carries the cancel reason recorded on run_canceled.
type CanceledError struct {
	Reason string
}

func (e *CanceledError) Error() string { return "pipeline: run canceled: " + e.Reason }

func (e *CanceledError) Is(target error) bool { return target == ErrCanceled }

// Pipeline produces the output of one run.
type Pipeline interface {
	Execute(ctx context.Context, rc *RunContext) (model.RunOutput, error)
}

// RunContext is everything a pipeline may touch while executing a run.
type RunContext struct {
	Run       model.Run
	Batch     model.Batch
	Trace     *trace.Recorder
	Citations *citation.Registry
	Logger    *slog.Logger

	// Checkpoint returns ErrCanceled (possibly wrapped) once the run should
	// stop. Pipelines call it before and after every collaborator call.
	Checkpoint func(ctx context.Context) error
}

// Request returns the batch request the run belongs to.
func (rc *RunContext) Request() model.BatchRequest { return rc.Batch.Request }

// UserRequest returns the request text, or the default when it is blank.
func (rc *RunContext) UserRequest() string {
	if rc.Batch.Request.UserRequest == "" {
		return model.DefaultUserRequest
	}
	return rc.Batch.Request.UserRequest
}

func (rc *RunContext) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rc.Checkpoint == nil {
		return nil
	}
	return rc.Checkpoint(ctx)
}

func (rc *RunContext) record(ctx context.Context, typ model.EventType, payload any) (model.TraceEvent, error) {
	ev, err := rc.Trace.Append(ctx, rc.Run.ID, typ, payload)
	if err != nil {
		return model.TraceEvent{}, fmt.Errorf("pipeline: record %s: %w", typ, err)
	}
	return ev, nil
}

// recordEvidence registers chunks under aliases, then writes the kb_query
// event naming them and links the new aliases to it. It returns the chunks
// with their aliases filled in, in input order.
func (rc *RunContext) recordEvidence(ctx context.Context, namespace, query string, topK int, chunks []retrieval.Chunk) ([]model.EvidenceChunk, error) {
	refs := make([]model.CitationRef, len(chunks))
	for i, c := range chunks {
		refs[i] = model.CitationRef{CanonicalRef: c.Ref, Kind: model.RefKB, Source: c.Source}
	}
	assigned, err := rc.Citations.AssignAliases(ctx, rc.Run.ID, nil, refs)
	if err != nil {
		return nil, fmt.Errorf("pipeline: assign aliases: %w", err)
	}
	byRef := citation.Invert(assigned)

	results := make([]model.EvidenceChunk, len(chunks))
	aliases := make([]string, len(chunks))
	for i, c := range chunks {
		ns := c.Namespace
		if ns == "" {
			ns = namespace
		}
		aliases[i] = byRef[c.Ref]
		results[i] = model.EvidenceChunk{
			Alias:     aliases[i],
			Ref:       c.Ref,
			Source:    c.Source,
			Content:   c.Content,
			Namespace: ns,
		}
	}
	ev, err := rc.record(ctx, model.EventKBQuery, model.KBQueryPayload{
		Namespace: namespace,
		Query:     query,
		TopK:      topK,
		Results:   results,
	})
	if err != nil {
		return nil, err
	}
	if err := rc.Citations.LinkEvent(ctx, rc.Run.ID, ev.ID, aliases); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return results, nil
}
