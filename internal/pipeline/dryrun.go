package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/retrieval"
)

const dryRunQuery = "DRY RUN synthetic query"

type syntheticTemplate struct {
	namespace string
	title     string
	content   string
}

var syntheticTemplates = []syntheticTemplate{
	{
		namespace: "kb_principles",
		title:     "Synthetic principle chunk",
		content: "DRY RUN synthetic evidence chunk.\nPurpose: validate evidence views and citation linking.\n\n" +
			"Claim stub: this chunk is not real literature and must not be used for science.",
	},
	{
		namespace: "kb_modulation",
		title:     "Synthetic modulation chunk",
		content: "DRY RUN synthetic evidence chunk.\nPurpose: validate evidence views and citation linking.\n\n" +
			"Claim stub: this chunk is not real literature and must not be used for science.",
	},
	{
		namespace: "kb_principles",
		title:     "Synthetic extra chunk",
		content:   "DRY RUN synthetic evidence chunk.\nPurpose: validate multi-citation behavior.\n\nNote: content intentionally short.",
	},
}

var (
	dryRunCombos = [][2]string{{"Cu", "Mo"}, {"Ni", "Fe"}, {"Ag", "Cu"}}
	dryRunRatios = []string{"1:1", "2:1", "1:2"}
)

// DryRun produces a deterministic trace and placeholder recipes without
// calling any collaborator. It exercises the same events, aliases and output
// shape as a real run.
type DryRun struct{}

// Execute implements Pipeline.
func (DryRun) Execute(ctx context.Context, rc *RunContext) (model.RunOutput, error) {
	req := rc.Request()
	if err := rc.checkpoint(ctx); err != nil {
		return model.RunOutput{}, err
	}

	chunks := syntheticChunks(max(2, req.RecipesPerRun))

	if _, err := rc.record(ctx, model.EventLLMRequest, model.LLMRequestPayload{
		Model:       "dry_run",
		Temperature: req.Temperature,
		Messages: []model.ChatMessage{
			{Role: "system", Content: "DRY RUN synthetic request."},
			{Role: "user", Content: clipRunes(strings.TrimSpace(rc.UserRequest()), 240)},
		},
	}); err != nil {
		return model.RunOutput{}, err
	}
	if _, err := rc.record(ctx, model.EventLLMResponse, model.LLMResponsePayload{
		Model:   "dry_run",
		Content: "DRY RUN synthetic response.",
	}); err != nil {
		return model.RunOutput{}, err
	}

	var evidence []model.EvidenceChunk
	for _, ns := range namespaceOrder(chunks) {
		var group []retrieval.Chunk
		for _, c := range chunks {
			if c.Namespace == ns {
				group = append(group, c)
			}
		}
		recorded, err := rc.recordEvidence(ctx, ns, dryRunQuery, len(group), group)
		if err != nil {
			return model.RunOutput{}, err
		}
		evidence = append(evidence, recorded...)
		if err := rc.checkpoint(ctx); err != nil {
			return model.RunOutput{}, err
		}
	}

	// Aliases are numbered by registration order, which groups by namespace;
	// cite them in that order.
	aliases := make([]string, len(evidence))
	citations := make(map[string]string, len(evidence))
	for i, e := range evidence {
		aliases[i] = e.Alias
		citations[e.Alias] = e.Ref
	}

	recipes, err := placeholderRecipes(req.RecipesPerRun, aliases)
	if err != nil {
		return model.RunOutput{}, err
	}
	if _, err := rc.record(ctx, model.EventCitationsResolved, map[string]any{"resolved": citations}); err != nil {
		return model.RunOutput{}, err
	}
	return model.RunOutput{Recipes: recipes, Citations: citations, MemoryIDs: []string{}}, nil
}

func syntheticChunks(n int) []retrieval.Chunk {
	out := make([]retrieval.Chunk, n)
	for i := range out {
		tpl := syntheticTemplates[i%len(syntheticTemplates)]
		out[i] = retrieval.Chunk{
			Ref:       fmt.Sprintf("kb:dry_run/%s/synthetic_%d", tpl.namespace, i+1),
			Source:    fmt.Sprintf("DRY_RUN::%s::%d", tpl.title, i+1),
			Content:   tpl.content,
			Namespace: tpl.namespace,
		}
	}
	return out
}

func namespaceOrder(chunks []retrieval.Chunk) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range chunks {
		if !seen[c.Namespace] {
			seen[c.Namespace] = true
			out = append(out, c.Namespace)
		}
	}
	return out
}

// placeholderRecipes keeps the recipe count exact. With at least as many
// aliases as recipes every alias ends up cited.
func placeholderRecipes(n int, aliases []string) (json.RawMessage, error) {
	if n < 1 {
		n = 1
	}
	recipes := make([]map[string]any, n)
	for i := range recipes {
		var cite string
		if n == 1 {
			parts := make([]string, len(aliases))
			for j, a := range aliases {
				parts[j] = "[" + a + "]"
			}
			cite = strings.Join(parts, " ")
		} else {
			cite = "[" + aliases[i%len(aliases)] + "]"
		}
		combo := dryRunCombos[i%len(dryRunCombos)]
		recipes[i] = map[string]any{
			"M1":                      combo[0],
			"M2":                      combo[1],
			"atomic_ratio":            dryRunRatios[i%len(dryRunRatios)],
			"small_molecule_modifier": "benzoic acid (-COOH)",
			"rationale":               "DRY RUN PLACEHOLDER synthetic output. No KB or LLM calls were made. " + cite,
		}
	}
	raw, err := json.Marshal(map[string]any{
		"recipes":       recipes,
		"overall_notes": "DRY RUN PLACEHOLDER synthetic run for testing only.",
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal placeholder recipes: %w", err)
	}
	return raw, nil
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
