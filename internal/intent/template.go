package intent

import (
	"bytes"
	"strings"
	"text/template"
)

// Renderable is a deferred text value resolved at dispatch time
type Renderable interface {
	Render(vars map[string]any) (string, error)
	// Source returns the unrendered text
	Source() string
}

// Template is a Renderable backed by text/template. Variables are addressed as
// {{ .event.room }}.
type Template struct {
	src  string
	tmpl *template.Template
}

// ParseTemplate compiles src. A string without template actions renders to itself.
func ParseTemplate(src string) (*Template, error) {
	tmpl, err := template.New("intent").Parse(src)
	if err != nil {
		return nil, err
	}
	return &Template{src: src, tmpl: tmpl}, nil
}

// IsTemplate reports whether s contains template actions
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

func (t *Template) Render(vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (t *Template) Source() string {
	return t.src
}
