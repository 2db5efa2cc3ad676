// Package payload builds backend workflow payloads from JSON templates.
//
// A template is a backend workflow with placeholders in string values:
//
//	{{input_image}} {{seed}} {{prompt}} {{negative_prompt}} {{width}} {{height}} {{extra.NAME}}
//
// A string that consists of exactly one numeric placeholder ({{seed}},
// {{width}}, {{height}}) is replaced by a JSON number; everywhere else
// placeholders are substituted as text.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"viewgen/internal/orchestrator"
)

// Template is one parsed workflow.
type Template struct {
	Name  string
	Model string
	root  any
}

// Parse decodes a workflow template. The workflow must be a JSON object.
func Parse(name string, data []byte) (*Template, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("template %s: workflow must be a JSON object", name)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &Template{Name: name, root: root}, nil
}

// Load reads and parses a workflow template file.
func Load(path string) (*Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Render substitutes placeholders and returns the payload.
func (t *Template) Render(p orchestrator.Params, in orchestrator.BuildInput) (json.RawMessage, error) {
	vars := map[string]string{
		"input_image":     in.InputName,
		"seed":            strconv.FormatInt(in.Seed, 10),
		"prompt":          p.Prompt,
		"negative_prompt": p.NegativePrompt,
		"width":           strconv.Itoa(in.Width),
		"height":          strconv.Itoa(in.Height),
	}
	for k, v := range p.Extra {
		vars["extra."+k] = v
	}
	out, err := json.Marshal(substitute(t.root, vars))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Name, err)
	}
	return out, nil
}

var numeric = map[string]bool{"seed": true, "width": true, "height": true}

func substitute(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = substitute(e, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substitute(e, vars)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, vars map[string]string) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if name, ok := sole(s); ok && numeric[name] {
		if v, ok := vars[name]; ok {
			return json.Number(v)
		}
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.Index(s[i:], "}}")
		if j < 0 {
			b.WriteString(s)
			break
		}
		name := strings.TrimSpace(s[i+2 : i+j])
		b.WriteString(s[:i])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			// Unknown placeholders are left for the backend to complain about.
			b.WriteString(s[i : i+j+2])
		}
		s = s[i+j+2:]
	}
	return b.String()
}

// sole reports the placeholder name when s is exactly one placeholder.
func sole(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}
