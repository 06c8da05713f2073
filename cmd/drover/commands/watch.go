package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/modules"
	"github.com/droverops/drover/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		inventoryFile string
		policyDirs    []string
		debounceStr   string
	)

	cmd := &cobra.Command{
		Use:   "watch [flags] playbook.yml",
		Short: "Re-check a playbook whenever it changes",
		Long: `Watch a playbook, its inventory and any policy directories, and rerun
validation and lint on every change. Nothing is applied; watch is a
feedback loop while editing.

Validation compiles the playbook (a full compile when an inventory is
given) and lint evaluates the loaded policies. Changed policy files
reload in place without restarting the watch.`,
		Example: `  # Re-check on every save
  drover watch -i inventory.yml site.yml

  # Custom policies, slower debounce
  drover watch -i inventory.yml site.yml --policy-dir policies/ --debounce 1s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			debounce, err := time.ParseDuration(debounceStr)
			if err != nil {
				return fmt.Errorf("invalid debounce duration: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			eng, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(policyDirs) > 0 {
				if err := eng.LoadPolicies(ctx, policyDirs); err != nil {
					return err
				}
				loader := policy.NewLoader(log.Logger)
				reload := func(policies []policy.Policy) error {
					return eng.ReloadPolicies(ctx, policies)
				}
				if err := loader.Watch(ctx, policyDirs, reload); err != nil {
					return err
				}
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			dirs := map[string]bool{filepath.Dir(args[0]): true}
			if inventoryFile != "" {
				dirs[filepath.Dir(inventoryFile)] = true
			}
			for dir := range dirs {
				if err := watcher.Add(dir); err != nil {
					return fmt.Errorf("watch %s: %w", dir, err)
				}
			}

			fmt.Printf("watching %s for changes (debounce %s); ctrl-c stops\n", args[0], debounce)
			checkOnce(ctx, eng, inventoryFile, args[0])

			var timer *time.Timer
			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					if !yamlFile(event.Name) {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						checkOnce(ctx, eng, inventoryFile, args[0])
					})

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Error().Err(err).Msg("watcher error")
				}
			}
		},
	}

	cmd.Flags().StringVarP(&inventoryFile, "inventory", "i", "", "inventory file for a full compile")
	cmd.Flags().StringArrayVar(&policyDirs, "policy-dir", nil, "directory or file of extra policies (repeatable)")
	cmd.Flags().StringVar(&debounceStr, "debounce", "500ms", "settle time after a change before rechecking")

	return cmd
}

// checkOnce validates and lints the playbook, printing one ✓ or ✗ line
// plus any findings. Errors are printed, not returned; the watch keeps
// going no matter how broken an intermediate save is.
func checkOnce(ctx context.Context, eng *policy.Engine, inventoryFile, playbookPath string) {
	stamp := time.Now().Format("15:04:05")

	pb, err := loadPlaybook(playbookPath)
	if err != nil {
		fmt.Printf("%s ✗ %v\n", stamp, err)
		return
	}
	if inventoryFile != "" {
		inv, err := loadInventory(inventoryFile)
		if err != nil {
			fmt.Printf("%s ✗ %v\n", stamp, err)
			return
		}
		if _, err := engine.BuildPlan(inv, pb, modules.Default(), ""); err != nil {
			fmt.Printf("%s ✗ %v\n", stamp, err)
			return
		}
	}

	res, err := eng.Evaluate(ctx, pb)
	if err != nil {
		fmt.Printf("%s ✗ lint: %v\n", stamp, err)
		return
	}
	for _, v := range res.Violations {
		fmt.Println(violationLine(v))
	}
	switch {
	case res.Blocking():
		fmt.Printf("%s ✗ %s: %d blocking violation(s)\n", stamp, playbookPath, res.Count(policy.SeverityError))
	case len(res.Violations) > 0:
		fmt.Printf("%s ✓ %s valid, %d advisory finding(s)\n", stamp, playbookPath, len(res.Violations))
	default:
		fmt.Printf("%s ✓ %s valid\n", stamp, playbookPath)
	}
}

func yamlFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
