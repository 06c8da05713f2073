package policy

import (
	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/playbook"
)

// Input is the document policies evaluate: the playbook flattened into
// plain values. Blocks are inlined in execution order so rules can
// reason about task positions; parameters are the raw, unrendered
// values, so template expressions appear verbatim.
type Input struct {
	// Playbook is the source path.
	Playbook string `json:"playbook"`

	Plays []*PlayInput `json:"plays"`
}

// PlayInput is one play of the audited playbook.
type PlayInput struct {
	Name   string `json:"name"`
	Hosts  string `json:"hosts"`
	Become bool   `json:"become"`

	// Tasks are the play's tasks with blocks flattened.
	Tasks []*TaskInput `json:"tasks"`

	// Handlers are the play's handlers.
	Handlers []*TaskInput `json:"handlers"`
}

// TaskInput is one task as the policies see it.
type TaskInput struct {
	Name   string         `json:"name"`
	Module string         `json:"module"`
	Params map[string]any `json:"params"`

	When         string   `json:"when,omitempty"`
	Detach       bool     `json:"detach"`
	IgnoreErrors bool     `json:"ignore_errors"`
	Notify       []string `json:"notify,omitempty"`
	DelegateTo   string   `json:"delegate_to,omitempty"`

	// Section places the task: tasks, rescue, always or handlers.
	Section string `json:"section"`

	// Block is the enclosing block's name, empty at top level.
	Block string `json:"block,omitempty"`
}

// BuildInput flattens a parsed playbook into the policy input document.
func BuildInput(pb *playbook.Playbook) *Input {
	in := &Input{Playbook: pb.Path, Plays: make([]*PlayInput, 0, len(pb.Plays))}
	for i, play := range pb.Plays {
		pi := &PlayInput{
			Name:   play.Label(i),
			Hosts:  play.Hosts,
			Become: play.Become,
		}
		for _, entry := range play.Tasks {
			if entry.Block != nil {
				appendBlock(pi, entry.Block)
				continue
			}
			pi.Tasks = append(pi.Tasks, taskInput(entry.Task, "tasks", ""))
		}
		for _, h := range play.Handlers {
			pi.Handlers = append(pi.Handlers, taskInput(h, "handlers", ""))
		}
		in.Plays = append(in.Plays, pi)
	}
	return in
}

func appendBlock(pi *PlayInput, block *playbook.Block) {
	sections := []struct {
		name  string
		tasks []*playbook.Task
	}{
		{"tasks", block.Tasks},
		{"rescue", block.Rescue},
		{"always", block.Always},
	}
	for _, sec := range sections {
		for _, t := range sec.tasks {
			pi.Tasks = append(pi.Tasks, taskInput(t, sec.name, block.Name))
		}
	}
}

func taskInput(t *playbook.Task, section, block string) *TaskInput {
	return &TaskInput{
		Name:         t.Label(),
		Module:       t.Module,
		Params:       taskParams(t),
		When:         t.When,
		Detach:       t.Detach,
		IgnoreErrors: t.IgnoreErrors,
		Notify:       append([]string(nil), t.Notify...),
		DelegateTo:   t.DelegateTo,
		Section:      section,
		Block:        block,
	}
}

// taskParams decodes the module parameters into a map. A bare scalar
// is the command shorthand and lands under cmd, matching how the exec
// modules read it. Parameters that do not decode are left empty; lint
// runs before validation and must not trip over them.
func taskParams(t *playbook.Task) map[string]any {
	node := t.ParamsNode()
	if node == nil {
		return map[string]any{}
	}
	if node.Kind == yaml.ScalarNode {
		var cmd string
		if err := node.Decode(&cmd); err == nil {
			return map[string]any{"cmd": cmd}
		}
		return map[string]any{}
	}
	var m map[string]any
	if err := node.Decode(&m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
