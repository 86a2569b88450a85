package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/llm"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/projection"
	"github.com/ashita-ai/assay/internal/retrieval"
)

const systemPrompt = `You are a catalysis research assistant. You recommend synthesis recipes ` +
	`grounded only in the evidence you are shown. Every recipe rationale must cite at least ` +
	`one evidence alias such as [C2] or one memory token such as mem:<id>. Never invent aliases.`

const outputFormat = `Return ONLY one JSON object: {"recipes": [{"M1": str, "M2": str, ` +
	`"atomic_ratio": str, "small_molecule_modifier": str, "rationale": str}], "overall_notes": str}. ` +
	`Return exactly {{n}} recipes.`

// RecommendConfig tunes the Recommend pipeline.
type RecommendConfig struct {
	Namespaces  []string
	TopK        int
	MemLimit    int
	Model       string
	MaxAttempts int
}

// Recommend retrieves evidence and experience, asks the language model for
// recipes, and only accepts output whose citations all resolve.
type Recommend struct {
	cfg       RecommendConfig
	retriever retrieval.Retriever
	memories  experience.ContentStore
	llm       llm.Client
	projector *projection.Projector
}

// NewRecommend creates a Recommend pipeline. memories may be nil, which
// skips the experience search.
func NewRecommend(cfg RecommendConfig, retriever retrieval.Retriever, memories experience.ContentStore, client llm.Client, projector *projection.Projector) *Recommend {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MemLimit <= 0 {
		cfg.MemLimit = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Recommend{cfg: cfg, retriever: retriever, memories: memories, llm: client, projector: projector}
}

// Execute implements Pipeline.
func (p *Recommend) Execute(ctx context.Context, rc *RunContext) (model.RunOutput, error) {
	req := rc.Request()
	query := rc.UserRequest()

	evidence, err := p.retrieve(ctx, rc, query)
	if err != nil {
		return model.RunOutput{}, err
	}
	memories, err := p.searchMemories(ctx, rc, query)
	if err != nil {
		return model.RunOutput{}, err
	}
	if len(evidence) == 0 && len(memories) == 0 {
		return model.RunOutput{}, model.NewError(model.ErrDependencyUnavailable, nil,
			"no evidence retrieved for the request; nothing can be cited")
	}

	prompt, err := p.projector.Render("orchestrator", map[string]any{
		"user_request":    query,
		"recipes_per_run": req.RecipesPerRun,
		"evidence":        evidenceLines(evidence),
		"memories":        memoryLines(memories),
		"output_format":   llm.Render(outputFormat, map[string]string{"n": fmt.Sprint(req.RecipesPerRun)}),
	})
	if err != nil {
		return model.RunOutput{}, fmt.Errorf("pipeline: %w", err)
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		content, err := p.complete(ctx, rc, messages)
		if err != nil {
			return model.RunOutput{}, err
		}
		out, problem, err := p.validate(ctx, rc, content, req.RecipesPerRun)
		if err != nil {
			return model.RunOutput{}, err
		}
		if problem == nil {
			if _, err := rc.record(ctx, model.EventCitationsResolved, map[string]any{
				"attempt":  attempt,
				"resolved": out.Citations,
			}); err != nil {
				return model.RunOutput{}, err
			}
			return out, nil
		}
		lastErr = problem
		rc.Logger.Info("pipeline: rejected model output", "run_id", rc.Run.ID, "attempt", attempt, "error", problem)
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: content},
			llm.Message{Role: llm.RoleUser, Content: repairPrompt(problem)},
		)
	}
	return model.RunOutput{}, fmt.Errorf("pipeline: no valid recipes after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func (p *Recommend) retrieve(ctx context.Context, rc *RunContext, query string) ([]model.EvidenceChunk, error) {
	if len(p.cfg.Namespaces) == 0 {
		return nil, nil
	}
	if err := rc.checkpoint(ctx); err != nil {
		return nil, err
	}
	results, err := retrieval.SearchAll(ctx, p.retriever, p.cfg.Namespaces, query, p.cfg.TopK)
	if err != nil {
		return nil, model.NewError(model.ErrDependencyUnavailable, nil, "knowledge base search failed: %v", err)
	}
	if err := rc.checkpoint(ctx); err != nil {
		return nil, err
	}
	var evidence []model.EvidenceChunk
	for _, r := range results {
		recorded, err := rc.recordEvidence(ctx, r.Namespace, query, p.cfg.TopK, r.Chunks)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, recorded...)
	}
	return evidence, nil
}

func (p *Recommend) searchMemories(ctx context.Context, rc *RunContext, query string) ([]model.MemoryHit, error) {
	if p.memories == nil {
		return nil, nil
	}
	if err := rc.checkpoint(ctx); err != nil {
		return nil, err
	}
	scored, err := p.memories.Search(ctx, query, experience.SearchFilter{Status: model.MemoryActive}, p.cfg.MemLimit)
	if err != nil {
		return nil, model.NewError(model.ErrDependencyUnavailable, nil, "experience search failed: %v", err)
	}
	if err := rc.checkpoint(ctx); err != nil {
		return nil, err
	}

	refs := make([]model.CitationRef, len(scored))
	hits := make([]model.MemoryHit, len(scored))
	for i, s := range scored {
		token := model.MemoryRef(s.Item.ID)
		refs[i] = model.CitationRef{CanonicalRef: token, Kind: model.RefMem, Source: string(s.Item.Role)}
		hits[i] = model.MemoryHit{Alias: token, MemID: s.Item.ID, Role: s.Item.Role, Score: s.Score, Content: s.Item.Content}
	}
	if _, err := rc.Citations.AssignAliases(ctx, rc.Run.ID, nil, refs); err != nil {
		return nil, fmt.Errorf("pipeline: assign memory aliases: %w", err)
	}
	ev, err := rc.record(ctx, model.EventMemSearch, model.MemSearchPayload{
		Query:   query,
		Limit:   p.cfg.MemLimit,
		Results: hits,
	})
	if err != nil {
		return nil, err
	}
	tokens := make([]string, len(refs))
	for i, r := range refs {
		tokens[i] = r.CanonicalRef
	}
	if err := rc.Citations.LinkEvent(ctx, rc.Run.ID, ev.ID, tokens); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return hits, nil
}

func (p *Recommend) complete(ctx context.Context, rc *RunContext, messages []llm.Message) (string, error) {
	temperature := rc.Request().Temperature
	recorded := make([]model.ChatMessage, len(messages))
	for i, m := range messages {
		recorded[i] = model.ChatMessage{Role: m.Role, Content: m.Content}
	}
	if _, err := rc.record(ctx, model.EventLLMRequest, model.LLMRequestPayload{
		Model:       p.cfg.Model,
		Temperature: temperature,
		Messages:    recorded,
	}); err != nil {
		return "", err
	}
	if err := rc.checkpoint(ctx); err != nil {
		return "", err
	}
	completion, err := p.llm.Complete(ctx, messages, llm.Params{
		Model:       p.cfg.Model,
		Temperature: float32(temperature),
		JSONMode:    true,
	})
	if err != nil {
		return "", model.NewError(model.ErrDependencyUnavailable, nil, "language model call failed: %v", err)
	}
	if err := rc.checkpoint(ctx); err != nil {
		return "", err
	}
	if _, err := rc.record(ctx, model.EventLLMResponse, model.LLMResponsePayload{
		Model:        completion.Model,
		Content:      completion.Content,
		FinishReason: completion.FinishReason,
		PromptTokens: completion.PromptTokens,
		OutputTokens: completion.OutputTokens,
		LatencyMS:    completion.Latency.Milliseconds(),
	}); err != nil {
		return "", err
	}
	return completion.Content, nil
}

// outputProblem is a defect in model output that a repair prompt can fix.
type outputProblem struct {
	msg   string
	cause error
}

func (e *outputProblem) Error() string { return e.msg }

func (e *outputProblem) Unwrap() error { return e.cause }

// validate parses the model's reply. A defect the model can repair comes
// back as problem; err is reserved for failures of the run itself.
func (p *Recommend) validate(ctx context.Context, rc *RunContext, content string, want int) (model.RunOutput, *outputProblem, error) {
	raw, err := llm.ExtractJSONObject(content)
	if err != nil {
		return model.RunOutput{}, &outputProblem{msg: "output is not a JSON object", cause: model.ErrInvalidArgument}, nil
	}
	var parsed struct {
		Recipes []map[string]any `json:"recipes"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return model.RunOutput{}, &outputProblem{msg: "output is not valid JSON: " + err.Error(), cause: model.ErrInvalidArgument}, nil
	}
	if len(parsed.Recipes) != want {
		return model.RunOutput{}, &outputProblem{
			msg:   fmt.Sprintf("expected exactly %d recipes, got %d", want, len(parsed.Recipes)),
			cause: model.ErrInvalidArgument,
		}, nil
	}
	for i, r := range parsed.Recipes {
		rationale, _ := r["rationale"].(string)
		if len(citation.ExtractTokens(rationale)) == 0 {
			return model.RunOutput{}, &outputProblem{
				msg:   fmt.Sprintf("recipe %d rationale has no inline citation", i+1),
				cause: model.ErrInvalidArgument,
			}, nil
		}
	}

	resolved, err := rc.Citations.ResolveAllInText(ctx, rc.Run.ID, raw)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.RunOutput{}, &outputProblem{msg: err.Error(), cause: err}, nil
		}
		return model.RunOutput{}, nil, err
	}
	citations := make(map[string]string)
	for alias, ref := range resolved {
		if !strings.HasPrefix(alias, model.MemoryRefPrefix) {
			citations[alias] = ref
		}
	}
	memIDs := citation.MemoryIDs(raw)
	if memIDs == nil {
		memIDs = []string{}
	}
	return model.RunOutput{Recipes: json.RawMessage(raw), Citations: citations, MemoryIDs: memIDs}, nil, nil
}

func repairPrompt(problem error) string {
	return "ERROR: " + problem.Error() + "\n\n" +
		"Fix the output. Cite only aliases listed in the evidence ([C<n>]) or memory tokens (mem:<id>) shown to you. " +
		"Return ONLY the JSON object."
}

func evidenceLines(evidence []model.EvidenceChunk) []string {
	out := make([]string, len(evidence))
	for i, e := range evidence {
		out[i] = fmt.Sprintf("[%s] (%s) %s", e.Alias, e.Source, strings.Join(strings.Fields(e.Content), " "))
	}
	return out
}

func memoryLines(hits []model.MemoryHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = fmt.Sprintf("%s role=%s %s", h.Alias, h.Role, strings.Join(strings.Fields(h.Content), " "))
	}
	return out
}
