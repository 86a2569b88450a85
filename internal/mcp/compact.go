package mcp

import (
	"encoding/json"
	"strings"

	"github.com/ashita-ai/assay/internal/model"
)

const maxCompactText = 300

// compactEvent returns a minimal representation of a trace event. Large text
// fields in the payload (prompts, completions, chunk content) are truncated
// so a whole trace fits in an agent's context.
func compactEvent(e model.TraceEvent) map[string]any {
	m := map[string]any{
		"id":         e.ID,
		"type":       e.Type,
		"created_at": e.CreatedAt,
	}
	if len(e.Payload) == 0 {
		return m
	}
	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		m["payload"] = truncate(string(e.Payload), maxCompactText)
		return m
	}
	m["payload"] = shorten(payload)
	return m
}

func shorten(v any) any {
	switch t := v.(type) {
	case string:
		return truncate(t, maxCompactText)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = shorten(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = shorten(inner)
		}
		return out
	default:
		return v
	}
}

// compactRun drops the stored request payload, which the agent already has
// through the batch.
func compactRun(r model.Run, b model.Batch) map[string]any {
	m := map[string]any{
		"id":           r.ID,
		"batch_id":     r.BatchID,
		"index":        r.Index,
		"status":       r.Status,
		"batch_status": b.Status,
		"dry_run":      b.Request.DryRun,
		"user_request": truncate(b.Request.UserRequest, maxCompactText),
		"created_at":   r.CreatedAt,
	}
	if r.StartedAt != nil {
		m["started_at"] = r.StartedAt
	}
	if r.EndedAt != nil {
		m["ended_at"] = r.EndedAt
	}
	if r.Error != nil {
		m["error"] = *r.Error
	}
	if r.Output != nil {
		m["output"] = r.Output
	}
	return m
}

// truncate shortens s to at most maxLen runes, marking the cut.
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
