package playbook

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"
)

// Renderer interpolates {{ }} expressions in playbook strings. Lookups
// that miss are hard errors: a task never executes with a placeholder
// half-resolved.
type Renderer struct {
	funcs template.FuncMap
}

// NewRenderer creates a renderer with the sprig function library loaded.
func NewRenderer() *Renderer {
	return &Renderer{funcs: sprig.TxtFuncMap()}
}

// Render interpolates s against scope. Strings without template markup
// pass through untouched.
func (r *Renderer) Render(s string, scope map[string]any) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	tmpl, err := template.New("inline").Funcs(r.funcs).Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("bad template %q: %w", s, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scope); err != nil {
		return "", fmt.Errorf("template %q: %w", s, err)
	}
	return buf.String(), nil
}

// RenderNode returns a copy of the params node with every templated
// scalar interpolated. The input node is shared between hosts and is
// never mutated. Rendered scalars lose their original tag so that a
// value like "{{ .db_port }}" can still decode into an integer field.
func (r *Renderer) RenderNode(node *yaml.Node, scope map[string]any) (*yaml.Node, error) {
	clone := cloneNode(node)
	if err := r.renderInPlace(clone, scope); err != nil {
		return nil, err
	}
	return clone, nil
}

func (r *Renderer) renderInPlace(n *yaml.Node, scope map[string]any) error {
	if n == nil {
		return nil
	}

	if n.Kind == yaml.ScalarNode && strings.Contains(n.Value, "{{") {
		rendered, err := r.Render(n.Value, scope)
		if err != nil {
			return err
		}
		n.Value = rendered
		n.Tag = ""
		n.Style = 0
		return nil
	}

	for _, child := range n.Content {
		if err := r.renderInPlace(child, scope); err != nil {
			return err
		}
	}
	return nil
}

// CheckNode parses every templated scalar under node without executing
// it, surfacing syntax errors before any host is contacted.
func (r *Renderer) CheckNode(node *yaml.Node) error {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.ScalarNode && strings.Contains(node.Value, "{{") {
		if _, err := template.New("inline").Funcs(r.funcs).Parse(node.Value); err != nil {
			return fmt.Errorf("bad template %q: %w", node.Value, err)
		}
		return nil
	}
	for _, child := range node.Content {
		if err := r.CheckNode(child); err != nil {
			return err
		}
	}
	return nil
}

// HasTemplates reports whether any scalar under node contains template
// markup.
func HasTemplates(node *yaml.Node) bool {
	if node == nil {
		return false
	}
	if node.Kind == yaml.ScalarNode {
		return strings.Contains(node.Value, "{{")
	}
	for _, child := range node.Content {
		if HasTemplates(child) {
			return true
		}
	}
	return false
}

// cloneNode deep-copies a YAML node, resolving aliases into plain copies
// so rendering one host's view cannot bleed into another's.
func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return cloneNode(n.Alias)
	}

	c := *n
	c.Alias = nil
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child)
		}
	}
	return &c
}
