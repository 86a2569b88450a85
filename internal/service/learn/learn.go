// Package learn distills operator feedback on a completed run into
// experience-store mutations, applied as one reversible delta.
package learn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/llm"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/projection"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
)

// ReasonRelearn is recorded on deltas rolled back before a fresh pass.
const ReasonRelearn = "rollback_before_relearn"

const systemPrompt = `You maintain a bank of short, reusable lessons for catalyst recipe design. ` +
	`Extract lessons from the operator feedback below. Each lesson must stand on its own.`

const outputFormat = `Return ONLY one JSON object: {"items": [{"role": "global|orchestrator|mof_expert|tio2_expert", ` +
	`"kind": "reasoningbank_item", "content": str}]}. Return at most {{max}} items.`

// notDuplicate is the merge reply for a pair that should not be merged.
const notDuplicate = "NOT_DUPLICATE"

const mergePrompt = `An existing lesson and a newly proposed one were matched as near-duplicates. ` +
	`Write one lesson that keeps every concrete detail of both.

Existing lesson:
{{existing}}

Proposed lesson:
{{proposed}}

Return ONLY one JSON object: {"content": str, "extra": object}. ` +
	`If the two lessons say different things, return {"content": "` + notDuplicate + `"}.`

// Config tunes the learner.
type Config struct {
	Model           string
	DedupeThreshold float64
	MaxItems        int
}

// Service handles learn jobs.
type Service struct {
	db        *storage.DB
	engine    *experience.Engine
	trace     *trace.Recorder
	llm       llm.Client
	projector *projection.Projector
	cfg       Config
	logger    *slog.Logger
}

// New creates a Service. client may be nil; only dry-run batches can then be
// learned from.
func New(db *storage.DB, engine *experience.Engine, recorder *trace.Recorder, client llm.Client, projector *projection.Projector, cfg Config, logger *slog.Logger) *Service {
	if cfg.DedupeThreshold <= 0 {
		cfg.DedupeThreshold = 0.9
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 5
	}
	return &Service{db: db, engine: engine, trace: recorder, llm: client, projector: projector, cfg: cfg, logger: logger}
}

// Proposal is one lesson the learner wants in the experience store.
type Proposal struct {
	Role    model.MemoryRole `json:"role"`
	Kind    model.MemoryKind `json:"kind"`
	Content string           `json:"content"`
	Extra   map[string]any   `json:"extra,omitempty"`
}

// Learn runs one learning pass for the job's run and returns the new delta.
// Every delta still applied for the run is rolled back first, so at most one
// learned outcome per run is live.
func (s *Service) Learn(ctx context.Context, job model.Job) (model.Delta, error) {
	run, err := s.db.GetRun(ctx, job.RunID)
	if err != nil {
		return model.Delta{}, fmt.Errorf("learn: %w", err)
	}
	if run.Status != model.StatusCompleted || run.Output == nil {
		return model.Delta{}, model.InvalidArgument("run %s is %s; only completed runs can be learned from", run.ID, run.Status)
	}
	feedback, err := s.db.GetFeedback(ctx, run.ID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Delta{}, model.InvalidArgument("run %s has no feedback", run.ID)
	}
	if err != nil {
		return model.Delta{}, fmt.Errorf("learn: %w", err)
	}
	batch, err := s.db.GetBatch(ctx, run.BatchID)
	if err != nil {
		return model.Delta{}, fmt.Errorf("learn: %w", err)
	}

	rolledBack, err := s.engine.RollbackAll(ctx, run.ID, ReasonRelearn)
	if err != nil {
		return model.Delta{}, fmt.Errorf("learn: roll back previous deltas: %w", err)
	}

	var proposals []Proposal
	if batch.Request.DryRun {
		proposals = dryRunProposals(run.ID)
	} else {
		if s.llm == nil {
			return model.Delta{}, model.NewError(model.ErrDependencyUnavailable, nil, "no language model configured for learning")
		}
		proposals, err = s.extract(ctx, run, batch, feedback)
		if err != nil {
			return model.Delta{}, err
		}
	}

	ops, err := s.plan(ctx, run.ID, batch.Request.DryRun, proposals)
	if err != nil {
		return model.Delta{}, err
	}
	delta, err := s.engine.ApplyDelta(ctx, run.ID, ops)
	if err != nil {
		return model.Delta{}, fmt.Errorf("learn: %w", err)
	}
	if _, err := s.trace.Append(ctx, run.ID, model.EventLearnCompleted, model.LearnCompletedPayload{
		JobID:         job.ID,
		DeltaID:       delta.ID,
		NOps:          len(delta.Ops),
		RolledBackIDs: rolledBack,
	}); err != nil {
		return model.Delta{}, fmt.Errorf("learn: %w", err)
	}
	s.logger.Info("learn: delta applied", "run_id", run.ID, "job_id", job.ID, "delta_id", delta.ID,
		"n_ops", len(delta.Ops), "rolled_back", len(rolledBack))
	return delta, nil
}

func (s *Service) extract(ctx context.Context, run model.Run, batch model.Batch, fb model.Feedback) ([]Proposal, error) {
	var recipes any
	if err := json.Unmarshal(run.Output.Recipes, &recipes); err != nil {
		return nil, fmt.Errorf("learn: decode run output: %w", err)
	}
	feedback := map[string]any{"pros": fb.Pros, "cons": fb.Cons, "other": fb.Other}
	if fb.Score != nil {
		feedback["score"] = *fb.Score
	}
	userRequest := batch.Request.UserRequest
	if userRequest == "" {
		userRequest = model.DefaultUserRequest
	}
	prompt, err := s.projector.Render("learner", map[string]any{
		"user_request":  userRequest,
		"recipes":       recipes,
		"feedback":      feedback,
		"output_format": llm.Render(outputFormat, map[string]string{"max": fmt.Sprint(s.cfg.MaxItems)}),
	})
	if err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}
	if _, err := s.trace.Append(ctx, run.ID, model.EventLLMRequest, model.LLMRequestPayload{
		Model: s.cfg.Model,
		Messages: []model.ChatMessage{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
	}); err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}
	completion, err := s.llm.Complete(ctx, messages, llm.Params{Model: s.cfg.Model, JSONMode: true})
	if err != nil {
		return nil, model.NewError(model.ErrDependencyUnavailable, nil, "language model call failed: %v", err)
	}
	if _, err := s.trace.Append(ctx, run.ID, model.EventLLMResponse, model.LLMResponsePayload{
		Model:        completion.Model,
		Content:      completion.Content,
		FinishReason: completion.FinishReason,
		PromptTokens: completion.PromptTokens,
		OutputTokens: completion.OutputTokens,
		LatencyMS:    completion.Latency.Milliseconds(),
	}); err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}
	return ParseProposals(completion.Content, s.cfg.MaxItems)
}

// ParseProposals reads {"items": [...]} from model output. Items with an
// unknown role or blank content are dropped; a missing kind means a learned
// item.
func ParseProposals(content string, maxItems int) ([]Proposal, error) {
	raw, err := llm.ExtractJSONObject(content)
	if err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}
	var doc struct {
		Items []Proposal `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("learn: decode proposals: %w", err)
	}
	out := make([]Proposal, 0, len(doc.Items))
	for _, p := range doc.Items {
		p.Content = strings.TrimSpace(p.Content)
		if p.Content == "" || !p.Role.Valid() {
			continue
		}
		if p.Kind == "" || !p.Kind.Valid() {
			p.Kind = model.KindLearned
		}
		out = append(out, p)
		if maxItems > 0 && len(out) == maxItems {
			break
		}
	}
	return out, nil
}

// plan turns proposals into ops. A proposal close enough to an active item
// of the same role becomes an update of that item; anything else is added.
func (s *Service) plan(ctx context.Context, runID string, dryRun bool, proposals []Proposal) ([]experience.OpRequest, error) {
	ops := make([]experience.OpRequest, 0, len(proposals))
	touched := map[string]bool{}
	for _, p := range proposals {
		hits, err := s.engine.Store().Search(ctx, p.Content, experience.SearchFilter{
			Status: model.MemoryActive,
			Roles:  []model.MemoryRole{p.Role},
		}, 3)
		if err != nil {
			return nil, model.NewError(model.ErrDependencyUnavailable, nil, "experience search failed: %v", err)
		}
		var match *experience.Scored
		for i := range hits {
			if hits[i].Score >= s.cfg.DedupeThreshold && !touched[hits[i].Item.ID] {
				match = &hits[i]
				break
			}
		}
		if match == nil {
			ops = append(ops, experience.OpRequest{
				Op: model.OpAdd, Role: p.Role, Kind: p.Kind, Content: p.Content, Extra: p.Extra,
			})
			continue
		}
		touched[match.Item.ID] = true

		content := mergeContent(match.Item.Content, p.Content)
		extra := mergeExtra(match.Item.Extra, p.Content, match.Score)
		if !dryRun && s.llm != nil {
			merged, mergedExtra, ok, err := s.mergeWithModel(ctx, runID, match.Item, p)
			if err != nil {
				return nil, err
			}
			if ok {
				content = merged
				for k, v := range mergedExtra {
					extra[k] = v
				}
			}
		}
		ops = append(ops, experience.OpRequest{
			Op:      model.OpUpdate,
			MemID:   match.Item.ID,
			Content: content,
			Extra:   extra,
		})
	}
	return ops, nil
}

// mergeWithModel asks the language model to fold a proposal into the item it
// duplicates. ok is false when the model call fails, the reply is unusable or
// the model says the pair is not a duplicate; the caller then keeps the
// heuristic merge. Only trace write failures are returned as errors.
func (s *Service) mergeWithModel(ctx context.Context, runID string, existing model.MemoryItem, p Proposal) (string, map[string]any, bool, error) {
	prompt := llm.Render(mergePrompt, map[string]string{"existing": existing.Content, "proposed": p.Content})
	if _, err := s.trace.Append(ctx, runID, model.EventLLMRequest, model.LLMRequestPayload{
		Model: s.cfg.Model,
		Messages: []model.ChatMessage{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
	}); err != nil {
		return "", nil, false, fmt.Errorf("learn: %w", err)
	}
	completion, err := s.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Params{Model: s.cfg.Model, JSONMode: true})
	if err != nil {
		s.logger.Warn("learn: merge call failed, keeping heuristic merge", "run_id", runID, "mem_id", existing.ID, "error", err)
		return "", nil, false, nil
	}
	if _, err := s.trace.Append(ctx, runID, model.EventLLMResponse, model.LLMResponsePayload{
		Model:        completion.Model,
		Content:      completion.Content,
		FinishReason: completion.FinishReason,
		PromptTokens: completion.PromptTokens,
		OutputTokens: completion.OutputTokens,
		LatencyMS:    completion.Latency.Milliseconds(),
	}); err != nil {
		return "", nil, false, fmt.Errorf("learn: %w", err)
	}

	merged, extra, ok := ParseMerge(completion.Content)
	if !ok {
		s.logger.Warn("learn: unusable merge reply, keeping heuristic merge", "run_id", runID, "mem_id", existing.ID)
	}
	return merged, extra, ok, nil
}

// ParseMerge reads {"content": str, "extra": object} from a merge reply. ok
// is false for unparseable output, blank content or the not-a-duplicate
// marker.
func ParseMerge(content string) (string, map[string]any, bool) {
	raw, err := llm.ExtractJSONObject(content)
	if err != nil {
		return "", nil, false
	}
	var doc struct {
		Content string         `json:"content"`
		Extra   map[string]any `json:"extra"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", nil, false
	}
	merged := strings.TrimSpace(doc.Content)
	if merged == "" || merged == notDuplicate {
		return "", nil, false
	}
	return merged, doc.Extra, true
}

// mergeContent keeps the longer statement of a near-duplicate pair.
func mergeContent(existing, proposed string) string {
	if len(strings.TrimSpace(existing)) >= len(proposed) {
		return existing
	}
	return proposed
}

func mergeExtra(existing map[string]any, proposed string, score float64) map[string]any {
	out := make(map[string]any, len(existing)+1)
	for k, v := range existing {
		out[k] = v
	}
	var merged []any
	if prev, ok := out["merged_from"].([]any); ok {
		merged = append(merged, prev...)
	}
	merged = append(merged, map[string]any{"content": proposed, "similarity": score})
	out["merged_from"] = merged
	return out
}

func dryRunProposals(runID string) []Proposal {
	extra := func() map[string]any {
		return map[string]any{"dry_run": true, "confidence": 0.0, "tags": []any{"dry_run"}}
	}
	return []Proposal{
		{
			Role:    model.RoleGlobal,
			Kind:    model.KindLearned,
			Content: "DRY RUN synthetic experience item.\nPurpose: validate browse, learn and rollback.\nsource_run_id=" + runID,
			Extra:   extra(),
		},
		{
			Role:    model.RoleOrchestrator,
			Kind:    model.KindLearned,
			Content: "DRY RUN synthetic orchestrator memory.\nDo not use for science.",
			Extra:   extra(),
		},
	}
}
