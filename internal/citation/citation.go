// Package citation maps short run-scoped aliases such as [C3] to the
// globally stable references they stand for.
//
// Language models cite evidence far more reliably with short tokens than with
// long canonical ids, so retrieval results are shown to the model under an
// alias and the model's output is resolved back through this registry.
// Experience items are cited directly as mem:<uuid>; that token is both the
// alias and the canonical reference.
package citation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/storage"
)

// KBPrefix precedes the number of every retrieval alias.
const KBPrefix = "C"

var (
	aliasTokenRe = regexp.MustCompile(`\[([A-Z]+\d+)\]`)
	memTokenRe   = regexp.MustCompile(`\bmem:([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\b`)
)

// Registry assigns and resolves citation aliases.
type Registry struct {
	db *storage.DB
}

// NewRegistry creates a Registry.
func NewRegistry(db *storage.DB) *Registry {
	return &Registry{db: db}
}

// AssignAliases registers refs for a run, typically once per retrieval or
// memory search, and returns alias -> canonical ref for each of them. A ref
// seen earlier in the run keeps its alias. eventID links new aliases to the
// trace event that introduced them and may be nil.
func (r *Registry) AssignAliases(ctx context.Context, runID string, eventID *string, refs []model.CitationRef) (map[string]string, error) {
	for _, ref := range refs {
		if strings.TrimSpace(ref.CanonicalRef) == "" {
			return nil, model.InvalidArgument("citation ref must be non-empty")
		}
		if ref.Kind == model.RefMem && !strings.HasPrefix(ref.CanonicalRef, model.MemoryRefPrefix) {
			return nil, model.InvalidArgument("memory ref %q must start with %s", ref.CanonicalRef, model.MemoryRefPrefix)
		}
	}
	m, err := r.db.AssignAliases(ctx, runID, eventID, KBPrefix, refs)
	if err != nil {
		return nil, fmt.Errorf("citation: assign: %w", err)
	}
	return m, nil
}

// LinkEvent records eventID as the introducing event of aliases assigned
// before the event existed. Aliases already linked are left alone.
func (r *Registry) LinkEvent(ctx context.Context, runID, eventID string, aliases []string) error {
	if err := r.db.LinkAliasEvent(ctx, runID, eventID, aliases); err != nil {
		return fmt.Errorf("citation: link event: %w", err)
	}
	return nil
}

// Invert turns an alias -> ref map into ref -> alias.
func Invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for alias, ref := range m {
		out[ref] = alias
	}
	return out
}

// Resolve returns the canonical ref registered under alias.
func (r *Registry) Resolve(ctx context.Context, runID, alias string) (string, error) {
	a, err := r.db.ResolveAlias(ctx, runID, alias)
	if err != nil {
		return "", fmt.Errorf("citation: resolve: %w", err)
	}
	return a.CanonicalRef, nil
}

// ResolveAllInText finds every [C12] and mem:<uuid> token in text and
// resolves it. Any token the run never registered fails the whole call with
// NotFound listing the unknown tokens.
func (r *Registry) ResolveAllInText(ctx context.Context, runID, text string) (map[string]string, error) {
	tokens := ExtractTokens(text)
	out := make(map[string]string, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	found, err := r.db.ResolveAliases(ctx, runID, tokens)
	if err != nil {
		return nil, fmt.Errorf("citation: resolve text: %w", err)
	}
	var unknown []string
	for _, tok := range tokens {
		a, ok := found[tok]
		if !ok {
			unknown = append(unknown, tok)
			continue
		}
		out[tok] = a.CanonicalRef
	}
	if len(unknown) > 0 {
		return nil, model.NewError(model.ErrNotFound, map[string]any{"unknown_aliases": unknown},
			"unknown citation aliases: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// List returns a run's aliases with numeric aliases in numeric order (C2
// before C10), followed by memory tokens.
func (r *Registry) List(ctx context.Context, runID string) ([]model.CitationAlias, error) {
	aliases, err := r.db.ListAliases(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("citation: list: %w", err)
	}
	SortAliases(aliases)
	return aliases, nil
}

// Evidence returns an alias together with the retrieved content recorded in
// the trace event that introduced it.
func (r *Registry) Evidence(ctx context.Context, runID, alias string) (model.Evidence, error) {
	a, err := r.db.ResolveAlias(ctx, runID, alias)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("citation: evidence: %w", err)
	}
	ev := model.Evidence{CitationAlias: a}
	if a.EventID == nil {
		return ev, nil
	}
	event, err := r.db.GetEvent(ctx, runID, *a.EventID)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("citation: evidence event: %w", err)
	}
	var payload model.KBQueryPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return ev, nil
	}
	for _, chunk := range payload.Results {
		if chunk.Alias == alias || chunk.Ref == a.CanonicalRef {
			ev.Content = chunk.Content
			ev.Namespace = chunk.Namespace
			if ev.Namespace == "" {
				ev.Namespace = payload.Namespace
			}
			break
		}
	}
	return ev, nil
}

// ExtractTokens returns the alias tokens ([C1] as "C1") and memory tokens
// (mem:<uuid>) in text, in first-seen order without duplicates.
func ExtractTokens(text string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	for _, m := range aliasTokenRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range memTokenRe.FindAllStringSubmatch(text, -1) {
		add(model.MemoryRef(m[1]))
	}
	return out
}

// MemoryIDs returns the ids of every mem:<uuid> token in text, in first-seen
// order without duplicates.
func MemoryIDs(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range memTokenRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// SortAliases orders aliases by prefix then number, with non-numeric aliases
// (memory tokens) last in lexical order.
func SortAliases(aliases []model.CitationAlias) {
	sort.SliceStable(aliases, func(i, j int) bool {
		pi, ni, oki := splitAlias(aliases[i].Alias)
		pj, nj, okj := splitAlias(aliases[j].Alias)
		switch {
		case oki && okj:
			if pi != pj {
				return pi < pj
			}
			return ni < nj
		case oki != okj:
			return oki
		default:
			return aliases[i].Alias < aliases[j].Alias
		}
	})
}

func splitAlias(alias string) (prefix string, n int, ok bool) {
	i := strings.IndexFunc(alias, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(alias[i:])
	if err != nil {
		return "", 0, false
	}
	return alias[:i], n, true
}
