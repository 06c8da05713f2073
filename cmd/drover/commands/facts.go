package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/facts"
	"github.com/droverops/drover/pkg/inventory"
)

func newFactsCommand() *cobra.Command {
	var (
		inventoryFile string
		cached        bool
		storePath     string
		forks         int
	)

	cmd := &cobra.Command{
		Use:   "facts [flags] [host]",
		Short: "Gather facts from hosts",
		Long: `Connect to each host and print its gathered facts as JSON keyed by
host name. With --cached the facts come from the history database
instead of the hosts, omitting hosts whose cached facts expired.`,
		Example: `  # Facts for the whole inventory
  drover facts -i inventory.yml

  # One host only
  drover facts -i inventory.yml web1

  # Last gathered facts, no connections
  drover facts -i inventory.yml --cached`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := loadInventory(inventoryFile)
			if err != nil {
				return err
			}
			var hosts []*inventory.Host
			if len(args) == 1 {
				host := inv.Host(args[0])
				if host == nil {
					return fmt.Errorf("unknown host %q", args[0])
				}
				hosts = []*inventory.Host{host}
			} else {
				for _, name := range inv.HostNames() {
					hosts = append(hosts, inv.Host(name))
				}
			}

			if cached {
				return printCachedFacts(ctx, hosts, storePath)
			}

			out := make(map[string]any, len(hosts))
			failed := 0
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(forks)
			for _, host := range hosts {
				g.Go(func() error {
					collected, err := gatherHostFacts(gctx, host)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						out[host.Name] = map[string]string{"error": err.Error()}
						failed++
						return nil
					}
					out[host.Name] = collected.Map()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if err := printJSON(out); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("facts failed on %d host(s)", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryFile, "inventory", "i", "", "inventory file")
	cmd.Flags().BoolVar(&cached, "cached", false, "read facts from the history database instead of hosts")
	cmd.Flags().StringVar(&storePath, "store", "", "history database path (default ~/.drover/drover.db)")
	cmd.Flags().IntVar(&forks, "forks", engine.DefaultForks, "max hosts gathered in parallel")

	return cmd
}

func gatherHostFacts(ctx context.Context, host *inventory.Host) (*facts.Facts, error) {
	tr, err := transportFactory(host)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	return facts.Collect(ctx, tr)
}

func printCachedFacts(ctx context.Context, hosts []*inventory.Host, storePath string) error {
	store, err := openStore(ctx, storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	out := make(map[string]any, len(hosts))
	for _, host := range hosts {
		cached, err := store.HostFacts(ctx, host.Name)
		if err != nil {
			return err
		}
		if len(cached) > 0 {
			out[host.Name] = cached
		}
	}
	return printJSON(out)
}
