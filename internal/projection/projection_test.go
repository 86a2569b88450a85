package projection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orchestratorSource() map[string]any {
	return map[string]any{
		"user_request":    "Cu-based catalysts for CO2 to ethylene",
		"recipes_per_run": 2,
		"evidence": []string{
			"[C1] Cu(100) facets favour C-C coupling.",
			"[C2] Ag dopants raise local CO coverage.",
		},
		"memories":      []string{"mem:0b7e2c7a-1a3f-4f55-9d0c-7f6d7b4c2e11 Anneal below 300 C."},
		"output_format": `Return JSON {"recipes":[{"name","composition","steps","rationale"}]}`,
	}
}

func TestDefaultTemplates_Golden(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"learner", "memory", "orchestrator"}, p.Roles())

	out, err := p.Render("orchestrator", orchestratorSource())
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "orchestrator", []byte(out))
}

func TestRender_OptionalFieldSkipped(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	src := orchestratorSource()
	delete(src, "memories")
	out, err := p.Render("orchestrator", src)
	require.NoError(t, err)
	assert.NotContains(t, out, "Experience memories")
}

func TestRender_Errors(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	_, err = p.Render("nobody", nil)
	assert.ErrorContains(t, err, `unknown template "nobody"`)

	src := orchestratorSource()
	delete(src, "user_request")
	_, err = p.Render("orchestrator", src)
	assert.ErrorContains(t, err, `"user_request" not in source`)
}

func TestTransforms(t *testing.T) {
	p, err := Parse([]byte(`
templates:
  t:
    fields:
      - {name: a, from: nested.title, transform: upper}
      - {name: b, from: body, transform: truncate, max_chars: 5}
      - {name: c, from: obj, transform: json}
      - {name: d, from: list, transform: bullets, label: Items}
      - {name: e, from: count}
`))
	require.NoError(t, err)
	out, err := p.Render("t", map[string]any{
		"nested": map[string]any{"title": "cu/ag"},
		"body":   "abcdefghij",
		"obj":    map[string]any{"k": 1},
		"list":   []any{"x", 2},
		"count":  3,
	})
	require.NoError(t, err)
	assert.Equal(t, "CU/AG\n\nabcd…\n\n{\n  \"k\": 1\n}\n\nItems:\n- x\n- 2\n\n3", out)
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":             `templates: {}`,
		"no fields":         "templates:\n  t: {fields: []}",
		"missing from":      "templates:\n  t:\n    fields: [{name: a}]",
		"unknown transform": "templates:\n  t:\n    fields: [{name: a, from: a, transform: shout}]",
		"unknown key":       "templates:\n  t:\n    fields: [{name: a, from: a, colour: red}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTruncateNeedsMaxChars(t *testing.T) {
	p, err := Parse([]byte("templates:\n  t:\n    fields: [{name: a, from: a, transform: truncate}]"))
	require.NoError(t, err)
	_, err = p.Render("t", map[string]any{"a": "x"})
	assert.ErrorContains(t, err, "max_chars")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  only:\n    fields: [{name: a, from: a}]"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, p.Roles())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	def, err := Load("")
	require.NoError(t, err)
	assert.Contains(t, def.Roles(), "orchestrator")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 0))
	assert.Equal(t, "abc", clip("abc", 3))
	assert.Equal(t, "a…", clip("abc", 2))
	assert.Equal(t, "…", clip("abc", 1))
}
