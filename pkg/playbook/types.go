// Package playbook defines the desired-state documents drover executes: an
// ordered list of plays, each targeting a host pattern and carrying tasks,
// blocks, and handlers. The package owns parsing, variable interpolation,
// and guard-condition evaluation; execution lives in pkg/engine.
package playbook

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Playbook is one parsed playbook file.
type Playbook struct {
	// Path is where the playbook was loaded from, for error messages and
	// resolving relative vars_files.
	Path  string
	Plays []*Play
}

// Play targets a host pattern with an ordered list of tasks and blocks.
type Play struct {
	Name        string         `yaml:"name"`
	Hosts       string         `yaml:"hosts" validate:"required"`
	Become      bool           `yaml:"become"`
	GatherFacts *bool          `yaml:"gather_facts"`
	Vars        map[string]any `yaml:"vars"`
	VarsFiles   StringList     `yaml:"vars_files"`
	Tasks       []Entry        `yaml:"tasks"`
	Handlers    []*Task        `yaml:"handlers"`
}

// GatherFactsEnabled reports whether the play collects facts before its
// first task. On unless turned off explicitly.
func (p *Play) GatherFactsEnabled() bool {
	return p.GatherFacts == nil || *p.GatherFacts
}

// Entry is one element of a play's task list: either a single task or a
// block. Exactly one of the two fields is set.
type Entry struct {
	Task  *Task
	Block *Block
}

// UnmarshalYAML decides between task and block by probing for a "block"
// key, the same way the playbook author distinguishes them.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: task entry must be a mapping", node.Line)
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Value == "block" {
			e.Block = new(Block)
			return node.Decode(e.Block)
		}
	}

	e.Task = new(Task)
	return node.Decode(e.Task)
}

// Block is an ordered group of tasks sharing a failure boundary. When a
// task in the block fails, the rest of the block is skipped and rescue
// runs; always runs regardless of the outcome.
type Block struct {
	Name   string
	When   string
	Become *bool
	Tasks  []*Task
	Rescue []*Task
	Always []*Task
}

func (b *Block) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}

	for key := range raw {
		switch key {
		case "name", "when", "become", "block", "rescue", "always":
		default:
			return fmt.Errorf("line %d: unknown block field %q", node.Line, key)
		}
	}

	if err := decodeField(raw, "name", &b.Name); err != nil {
		return err
	}
	if err := decodeField(raw, "when", &b.When); err != nil {
		return err
	}
	if err := decodeField(raw, "become", &b.Become); err != nil {
		return err
	}
	if err := decodeField(raw, "block", &b.Tasks); err != nil {
		return err
	}
	if err := decodeField(raw, "rescue", &b.Rescue); err != nil {
		return err
	}
	if err := decodeField(raw, "always", &b.Always); err != nil {
		return err
	}

	if len(b.Tasks) == 0 {
		return fmt.Errorf("line %d: block %q has no tasks", node.Line, b.Name)
	}
	return nil
}

// Task is a single declarative intent: one module invocation plus the
// keywords steering how it runs.
type Task struct {
	Name string

	// Module is the module key found in the task mapping; Params is its
	// raw value, decoded later against the module's parameter struct.
	Params yaml.Node
	Module string

	When         string
	Become       *bool
	IgnoreErrors bool
	Detach       bool
	Notify       StringList
	Register     string
	DelegateTo   string
	Environment  map[string]string
}

// taskKeywords are the task fields that are not module names.
var taskKeywords = map[string]bool{
	"name":          true,
	"when":          true,
	"become":        true,
	"ignore_errors": true,
	"detach":        true,
	"notify":        true,
	"register":      true,
	"delegate_to":   true,
	"environment":   true,
}

// UnmarshalYAML separates the task keywords from the module invocation.
// After the keywords are taken out, exactly one key must remain: the
// module name, whose value is kept raw for the module to decode.
func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: task must be a mapping", node.Line)
	}

	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if err := decodeField(raw, "name", &t.Name); err != nil {
		return err
	}
	if err := decodeField(raw, "when", &t.When); err != nil {
		return err
	}
	if err := decodeField(raw, "become", &t.Become); err != nil {
		return err
	}
	if err := decodeField(raw, "ignore_errors", &t.IgnoreErrors); err != nil {
		return err
	}
	if err := decodeField(raw, "detach", &t.Detach); err != nil {
		return err
	}
	if err := decodeField(raw, "notify", &t.Notify); err != nil {
		return err
	}
	if err := decodeField(raw, "register", &t.Register); err != nil {
		return err
	}
	if err := decodeField(raw, "delegate_to", &t.DelegateTo); err != nil {
		return err
	}
	if err := decodeField(raw, "environment", &t.Environment); err != nil {
		return err
	}

	switch len(raw) {
	case 0:
		return fmt.Errorf("line %d: task %q names no module", node.Line, t.Name)
	case 1:
		for module, params := range raw {
			t.Module = module
			t.Params = params
		}
	default:
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("line %d: task %q has more than one module key: %s (misspelled keyword?)",
			node.Line, t.Name, strings.Join(keys, ", "))
	}

	if t.Register != "" && !isIdentifier(t.Register) {
		return fmt.Errorf("line %d: register %q is not a valid variable name", node.Line, t.Register)
	}
	return nil
}

// Label returns the task's display name, falling back to the module name.
func (t *Task) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Module
}

// HasParams reports whether the module invocation carried a value.
func (t *Task) HasParams() bool {
	return t.Params.Kind != 0 && t.Params.Tag != "!!null"
}

// ParamsNode returns the raw params node, or nil when the task has none.
func (t *Task) ParamsNode() *yaml.Node {
	if !t.HasParams() {
		return nil
	}
	return &t.Params
}

// decodeField decodes and removes a key from the raw mapping.
func decodeField(raw map[string]yaml.Node, key string, into any) error {
	n, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if err := n.Decode(into); err != nil {
		return fmt.Errorf("line %d: invalid %s: %w", n.Line, key, err)
	}
	return nil
}

// StringList decodes a YAML value that may be a single string or a
// sequence of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList(v)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// isIdentifier reports whether s works as a variable name in guard
// expressions and templates.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z'):
		case i > 0 && '0' <= r && r <= '9':
		default:
			return false
		}
	}
	return true
}
