package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/modules"
	"github.com/droverops/drover/pkg/report"
)

// planView trims the compiled plan to what the JSON consumer needs.
// The engine's plan keeps raw YAML nodes that do not marshal usefully.
type planView struct {
	Playbook string         `json:"playbook"`
	Plays    []planPlayView `json:"plays"`
}

type planPlayView struct {
	Play     string         `json:"play"`
	Hosts    []string       `json:"hosts"`
	Steps    []planStepView `json:"steps"`
	Handlers []string       `json:"handlers,omitempty"`
}

type planStepView struct {
	Task    string   `json:"task"`
	Module  string   `json:"module"`
	When    string   `json:"when,omitempty"`
	Detach  bool     `json:"detach,omitempty"`
	Notify  []string `json:"notify,omitempty"`
	Section string   `json:"section"`
	Block   string   `json:"block,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var (
		inventoryFile string
		limit         string
	)

	cmd := &cobra.Command{
		Use:   "plan [flags] playbook.yml",
		Short: "Show what a playbook would execute",
		Long: `Compile a playbook against the inventory and print the execution
plan without contacting any host.

This command:
  - Resolves every play's host pattern
  - Flattens blocks into the task order hosts will see
  - Verifies every module name and notified handler
  - Marks guarded, detached and handler-notifying tasks`,
		Example: `  # Plan the full playbook
  drover plan -i inventory.yml site.yml

  # Plan for one group only
  drover plan -i inventory.yml site.yml --limit db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := loadInventory(inventoryFile)
			if err != nil {
				return err
			}
			pb, err := loadPlaybook(args[0])
			if err != nil {
				return err
			}
			plan, err := engine.BuildPlan(inv, pb, modules.Default(), limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(newPlanView(args[0], plan))
			}
			report.PrintPlan(os.Stdout, plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryFile, "inventory", "i", "", "inventory file")
	cmd.Flags().StringVar(&limit, "limit", "", "host or group pattern to narrow the plan")

	return cmd
}

func newPlanView(path string, plan *engine.Plan) planView {
	view := planView{Playbook: path, Plays: make([]planPlayView, 0, len(plan.Plays))}
	for _, pp := range plan.Plays {
		hosts := make([]string, 0, len(pp.Hosts))
		for _, h := range pp.Hosts {
			hosts = append(hosts, h.Name)
		}
		steps := make([]planStepView, 0, len(pp.Steps))
		for _, step := range pp.Steps {
			steps = append(steps, planStepView{
				Task:    step.Label,
				Module:  step.Module,
				When:    step.When,
				Detach:  step.Detach,
				Notify:  step.Notify,
				Section: step.Section,
				Block:   step.Block,
			})
		}
		view.Plays = append(view.Plays, planPlayView{
			Play:     pp.Label,
			Hosts:    hosts,
			Steps:    steps,
			Handlers: pp.Handlers,
		})
	}
	return view
}
