package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/modules"
	"github.com/droverops/drover/pkg/playbook"
)

func newValidateCommand() *cobra.Command {
	var inventoryFile string

	cmd := &cobra.Command{
		Use:   "validate [flags] playbook.yml",
		Short: "Check a playbook without contacting hosts",
		Long: `Check that a playbook is well formed. With an inventory the check
extends to a full compile: host patterns resolve, module parameters
decode, templates parse and notified handlers exist.`,
		Example: `  # Syntax and structure only
  drover validate site.yml

  # Full compile against an inventory
  drover validate -i inventory.yml site.yml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := loadPlaybook(args[0])
			if err != nil {
				return err
			}

			tasks := 0
			handlers := 0
			if inventoryFile != "" {
				inv, err := loadInventory(inventoryFile)
				if err != nil {
					return err
				}
				plan, err := engine.BuildPlan(inv, pb, modules.Default(), "")
				if err != nil {
					return err
				}
				for _, pp := range plan.Plays {
					tasks += len(pp.Steps)
					handlers += len(pp.Handlers)
				}
			} else {
				for _, play := range pb.Plays {
					tasks += countTasks(play.Tasks)
					handlers += len(play.Handlers)
				}
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"playbook": args[0],
					"valid":    true,
					"plays":    len(pb.Plays),
					"tasks":    tasks,
					"handlers": handlers,
				})
			}
			fmt.Printf("✓ %s valid: %d play(s), %d task(s), %d handler(s)\n",
				args[0], len(pb.Plays), tasks, handlers)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryFile, "inventory", "i", "", "inventory file for a full compile")

	return cmd
}

// countTasks counts a play's tasks with blocks flattened. Blocks do not
// nest.
func countTasks(entries []playbook.Entry) int {
	n := 0
	for _, entry := range entries {
		if entry.Block != nil {
			n += len(entry.Block.Tasks) + len(entry.Block.Rescue) + len(entry.Block.Always)
			continue
		}
		n++
	}
	return n
}
