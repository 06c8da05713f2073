package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/report"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
		Long: `Browse the run history database: list past runs, replay one run's
step results, or prune old records.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsPruneCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		limit     int
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # The last twenty runs
  drover runs list

  # More history
  drover runs list --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx, storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runs)
			}

			t := report.Table(os.Stdout)
			t.SetHeader([]string{"RUN", "PLAYBOOK", "STATUS", "STARTED", "DURATION", "HOSTS", "CHANGED", "FAILED"})
			for _, run := range runs {
				changed, failed := 0, 0
				for _, rc := range run.Summary {
					changed += rc.Changed + rc.Detached
					if !rc.Clean() {
						failed++
					}
				}
				t.Append([]string{
					shortID(run.ID),
					run.Playbook,
					string(run.Status),
					run.StartedAt.Format("2006-01-02 15:04:05"),
					run.Duration.Round(time.Millisecond).String(),
					strconv.Itoa(len(run.Summary)),
					strconv.Itoa(changed),
					strconv.Itoa(failed),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().StringVar(&storePath, "store", "", "history database path (default ~/.drover/drover.db)")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Replay one run's step results",
		Long: `Print a recorded run the way apply printed it: every step line in
order, then the per-host recap. A unique id prefix is enough.`,
		Example: `  # Full id or any unique prefix
  drover runs show 3f2a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx, storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := store.ListSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			rep := &engine.Report{Run: run, Results: steps, Recaps: run.Summary}

			if jsonOutput {
				return printJSON(rep)
			}

			fmt.Printf("run:      %s\n", run.ID)
			fmt.Printf("playbook: %s\n", run.Playbook)
			fmt.Printf("started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
			if run.CheckMode {
				fmt.Println("check:    yes")
			}
			if run.Limit != "" {
				fmt.Printf("limit:    %s\n", run.Limit)
			}

			printer := report.NewPrinter(os.Stdout)
			for _, sr := range steps {
				printer.Step(sr)
			}
			printer.Recap(rep)
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "history database path (default ~/.drover/drover.db)")

	return cmd
}

func newRunsPruneCommand() *cobra.Command {
	var (
		keep      int
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs and expired facts",
		Example: `  # Keep the newest thirty runs
  drover runs prune

  # Keep only the last five
  drover runs prune --keep 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx, storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			prunedRuns, err := store.PruneRuns(ctx, keep)
			if err != nil {
				return err
			}
			prunedFacts, err := store.PruneExpiredFacts(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]int64{
					"runs_pruned":  prunedRuns,
					"facts_pruned": prunedFacts,
				})
			}
			fmt.Printf("✓ Pruned %d run(s) and %d expired fact(s)\n", prunedRuns, prunedFacts)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 30, "number of newest runs to keep")
	cmd.Flags().StringVar(&storePath, "store", "", "history database path (default ~/.drover/drover.db)")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
