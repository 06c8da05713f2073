package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/inventory"
	"github.com/droverops/drover/pkg/report"
	"github.com/droverops/drover/pkg/transport"
)

type pingResult struct {
	Host   string        `json:"host"`
	OK     bool          `json:"ok"`
	Time   time.Duration `json:"time"`
	Detail string        `json:"detail,omitempty"`
}

func newPingCommand() *cobra.Command {
	var (
		inventoryFile string
		forks         int
	)

	cmd := &cobra.Command{
		Use:   "ping [flags] [pattern]",
		Short: "Check that hosts are reachable",
		Long: `Connect to each host matching the pattern and run a trivial command,
reporting reachability and round-trip time. The pattern defaults to
all hosts.`,
		Example: `  # Ping the whole inventory
  drover ping -i inventory.yml

  # Ping one group
  drover ping -i inventory.yml db`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := loadInventory(inventoryFile)
			if err != nil {
				return err
			}
			pattern := "all"
			if len(args) == 1 {
				pattern = args[0]
			}
			hosts, err := inv.Resolve(pattern)
			if err != nil {
				return err
			}

			results := make([]pingResult, 0, len(hosts))
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(forks)
			for _, host := range hosts {
				g.Go(func() error {
					res := pingHost(gctx, host)
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			sort.Slice(results, func(i, j int) bool { return results[i].Host < results[j].Host })

			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				printPingTable(results)
			}

			failed := 0
			for _, r := range results {
				if !r.OK {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d host(s) unreachable", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryFile, "inventory", "i", "", "inventory file")
	cmd.Flags().IntVar(&forks, "forks", engine.DefaultForks, "max hosts pinged in parallel")

	return cmd
}

func pingHost(ctx context.Context, host *inventory.Host) pingResult {
	start := time.Now()
	res := pingResult{Host: host.Name}

	tr, err := transportFactory(host)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer tr.Close()

	if err := tr.Connect(ctx); err != nil {
		res.Time = time.Since(start)
		res.Detail = err.Error()
		return res
	}
	out, err := tr.Run(ctx, "echo pong", transport.Options{})
	res.Time = time.Since(start)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if !out.Success() {
		res.Detail = fmt.Sprintf("exit %d", out.ExitCode)
		return res
	}
	res.OK = true
	return res
}

func printPingTable(results []pingResult) {
	t := report.Table(os.Stdout)
	t.SetHeader([]string{"HOST", "STATUS", "TIME", "DETAIL"})
	for _, r := range results {
		status := color.New(color.FgGreen).Sprint("ok")
		if !r.OK {
			status = color.New(color.FgRed).Sprint("unreachable")
		}
		t.Append([]string{r.Host, status, r.Time.Round(time.Millisecond).String(), r.Detail})
	}
	t.Render()
}
