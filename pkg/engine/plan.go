package engine

import (
	"fmt"

	"github.com/droverops/drover/pkg/inventory"
	"github.com/droverops/drover/pkg/modules"
	"github.com/droverops/drover/pkg/playbook"
)

// Plan is the compiled form of a playbook against an inventory: every
// play bound to its resolved hosts, every task statically checked. A
// plan that builds cleanly means module names, parameters, template
// syntax and when expressions are all sound before a host is contacted.
type Plan struct {
	// Playbook is the playbook the plan was compiled from.
	Playbook *playbook.Playbook

	// Plays are the compiled plays in file order.
	Plays []*PlayPlan
}

// PlayPlan binds one play to its resolved hosts.
type PlayPlan struct {
	// Play is the underlying playbook play.
	Play *playbook.Play

	// Label identifies the play in output.
	Label string

	// Hosts are the resolved target hosts after any limit.
	Hosts []*inventory.Host

	// Steps previews the play's tasks in execution order, blocks
	// flattened.
	Steps []*PlannedStep

	// Handlers are the play's handler names in declaration order.
	Handlers []string
}

func (pp *PlayPlan) hasHandler(name string) bool {
	for _, h := range pp.Handlers {
		if h == name {
			return true
		}
	}
	return false
}

// PlannedStep is a preview entry for one task.
type PlannedStep struct {
	// Label is the task's name, or its module when unnamed.
	Label string

	// Module is the module the task invokes.
	Module string

	// When is the task's guard expression, if any.
	When string

	// Detach marks fire-and-forget tasks.
	Detach bool

	// Notify lists the handlers the task can notify.
	Notify []string

	// Section places the step: tasks, rescue or always.
	Section string

	// Block is the enclosing block's label, empty at top level.
	Block string
}

// BuildPlan compiles a playbook against an inventory. limit narrows
// every play's hosts to the pattern's resolution; an empty limit keeps
// them all.
func BuildPlan(inv *inventory.Inventory, pb *playbook.Playbook, reg *modules.Registry, limit string) (*Plan, error) {
	var limitSet map[string]bool
	if limit != "" {
		hosts, err := inv.Resolve(limit)
		if err != nil {
			return nil, fmt.Errorf("limit: %w", err)
		}
		limitSet = make(map[string]bool, len(hosts))
		for _, h := range hosts {
			limitSet[h.Name] = true
		}
	}

	plan := &Plan{Playbook: pb}
	renderer := playbook.NewRenderer()

	for i, play := range pb.Plays {
		label := play.Label(i)

		hosts, err := inv.Resolve(play.Hosts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		if limitSet != nil {
			kept := hosts[:0]
			for _, h := range hosts {
				if limitSet[h.Name] {
					kept = append(kept, h)
				}
			}
			hosts = kept
		}

		pp := &PlayPlan{Play: play, Label: label, Hosts: hosts}
		for _, h := range play.Handlers {
			pp.Handlers = append(pp.Handlers, h.Name)
		}

		for _, entry := range play.Tasks {
			if entry.Block != nil {
				if err := compileBlock(pp, entry.Block, inv, reg, renderer); err != nil {
					return nil, fmt.Errorf("%s: %w", label, err)
				}
				continue
			}
			if err := compileTask(pp, entry.Task, "tasks", "", inv, reg, renderer); err != nil {
				return nil, fmt.Errorf("%s: %w", label, err)
			}
		}
		for _, h := range play.Handlers {
			if err := checkTask(h, inv, reg, renderer); err != nil {
				return nil, fmt.Errorf("%s: handler %q: %w", label, h.Name, err)
			}
		}

		plan.Plays = append(plan.Plays, pp)
	}
	return plan, nil
}

func compileBlock(pp *PlayPlan, block *playbook.Block, inv *inventory.Inventory, reg *modules.Registry, renderer *playbook.Renderer) error {
	if err := playbook.CheckCondition(block.When); err != nil {
		return err
	}
	sections := []struct {
		name  string
		tasks []*playbook.Task
	}{
		{"tasks", block.Tasks},
		{"rescue", block.Rescue},
		{"always", block.Always},
	}
	for _, sec := range sections {
		for _, task := range sec.tasks {
			if err := compileTask(pp, task, sec.name, block.Name, inv, reg, renderer); err != nil {
				return err
			}
		}
	}
	return nil
}

func compileTask(pp *PlayPlan, task *playbook.Task, section, blockName string, inv *inventory.Inventory, reg *modules.Registry, renderer *playbook.Renderer) error {
	if err := checkTask(task, inv, reg, renderer); err != nil {
		return fmt.Errorf("task %q: %w", task.Label(), err)
	}
	for _, name := range task.Notify {
		if !pp.hasHandler(name) {
			return fmt.Errorf("task %q: notify: no handler named %q", task.Label(), name)
		}
	}
	pp.Steps = append(pp.Steps, &PlannedStep{
		Label:   task.Label(),
		Module:  task.Module,
		When:    task.When,
		Detach:  task.Detach,
		Notify:  task.Notify,
		Section: section,
		Block:   blockName,
	})
	return nil
}

// checkTask runs every static check available without a host: the
// module must exist, template-free parameters must decode, templated
// ones must at least parse, and the when guard must be valid Starlark.
func checkTask(task *playbook.Task, inv *inventory.Inventory, reg *modules.Registry, renderer *playbook.Renderer) error {
	if !reg.Has(task.Module) {
		return fmt.Errorf("unknown module %q", task.Module)
	}
	if task.HasParams() && playbook.HasTemplates(&task.Params) {
		if err := renderer.CheckNode(&task.Params); err != nil {
			return err
		}
	} else {
		params := task.ParamsNode()
		if _, err := reg.Build(task.Module, params); err != nil {
			return err
		}
	}
	if err := playbook.CheckCondition(task.When); err != nil {
		return err
	}
	if task.DelegateTo != "" && task.DelegateTo != inventory.Localhost {
		if _, err := inv.Resolve(task.DelegateTo); err != nil {
			return fmt.Errorf("delegate_to: %w", err)
		}
	}
	return nil
}
