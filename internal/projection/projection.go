// Package projection turns structured run context into prompt text. Each
// template is an ordered field list interpreted against a source map, so the
// prompt layout can change without touching the pipelines.
package projection

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Transform names how a field value is rendered.
type Transform string

const (
	TransformRaw      Transform = "raw"
	TransformTruncate Transform = "truncate"
	TransformJSON     Transform = "json"
	TransformBullets  Transform = "bullets"
	TransformUpper    Transform = "upper"
)

// Field is one entry of a template.
type Field struct {
	Name      string    `yaml:"name"`
	From      string    `yaml:"from"`
	Transform Transform `yaml:"transform"`
	MaxChars  int       `yaml:"max_chars"`
	Label     string    `yaml:"label"`
	Optional  bool      `yaml:"optional"`
}

// Template is an ordered list of fields.
type Template struct {
	Fields []Field `yaml:"fields"`
}

// Document is the YAML file layout.
type Document struct {
	Templates map[string]Template `yaml:"templates"`
}

// Projector renders named templates.
type Projector struct {
	templates map[string]Template
}

// Default returns a Projector over the embedded templates.
func Default() (*Projector, error) {
	return Parse(defaultTemplates)
}

// Load reads templates from path, or the embedded defaults when path is
// empty.
func Load(path string) (*Projector, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("projection: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Read parses templates from r.
func Read(r io.Reader) (*Projector, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("projection: read: %w", err)
	}
	return Parse(raw)
}

// Parse parses a YAML document and checks every field.
func Parse(raw []byte) (*Projector, error) {
	var doc Document
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("projection: parse: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, fmt.Errorf("projection: no templates defined")
	}
	for name, t := range doc.Templates {
		if len(t.Fields) == 0 {
			return nil, fmt.Errorf("projection: template %q has no fields", name)
		}
		for i, f := range t.Fields {
			if f.From == "" {
				return nil, fmt.Errorf("projection: template %q field %d: from is required", name, i)
			}
			if f.Transform == "" {
				t.Fields[i].Transform = TransformRaw
				continue
			}
			if !f.Transform.valid() {
				return nil, fmt.Errorf("projection: template %q field %q: unknown transform %q", name, f.Name, f.Transform)
			}
		}
	}
	return &Projector{templates: doc.Templates}, nil
}

func (t Transform) valid() bool {
	switch t {
	case TransformRaw, TransformTruncate, TransformJSON, TransformBullets, TransformUpper:
		return true
	}
	return false
}

// Roles lists the template names in sorted order.
func (p *Projector) Roles() []string {
	out := make([]string, 0, len(p.templates))
	for name := range p.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render interprets role's field list against source. A missing value is an
// error unless the field is optional.
func (p *Projector) Render(role string, source map[string]any) (string, error) {
	t, ok := p.templates[role]
	if !ok {
		return "", fmt.Errorf("projection: unknown template %q", role)
	}
	var sections []string
	for _, f := range t.Fields {
		v, found := lookup(source, f.From)
		if !found {
			if f.Optional {
				continue
			}
			return "", fmt.Errorf("projection: template %q: %q not in source", role, f.From)
		}
		text, err := apply(f, v)
		if err != nil {
			return "", fmt.Errorf("projection: template %q field %q: %w", role, f.Name, err)
		}
		if f.Label != "" {
			text = f.Label + ":\n" + text
		}
		sections = append(sections, text)
	}
	return strings.Join(sections, "\n\n"), nil
}

// lookup resolves a dotted path through nested maps.
func lookup(source map[string]any, path string) (any, bool) {
	var cur any = source
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func apply(f Field, v any) (string, error) {
	switch f.Transform {
	case TransformJSON:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return clip(string(b), f.MaxChars), nil
	case TransformBullets:
		items := asList(v)
		if len(items) == 0 {
			return "(none)", nil
		}
		lines := make([]string, len(items))
		for i, it := range items {
			lines[i] = "- " + clip(stringify(it), f.MaxChars)
		}
		return strings.Join(lines, "\n"), nil
	case TransformUpper:
		return clip(strings.ToUpper(stringify(v)), f.MaxChars), nil
	case TransformTruncate:
		if f.MaxChars <= 0 {
			return "", fmt.Errorf("truncate needs max_chars")
		}
		return clip(stringify(v), f.MaxChars), nil
	default:
		return stringify(v), nil
	}
}

func asList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{x}
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// clip truncates s to max runes with an ellipsis. max <= 0 means no limit.
func clip(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
