package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/modules"
	"github.com/droverops/drover/pkg/report"
	"github.com/droverops/drover/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		inventoryFile string
		checkMode     bool
		forks         int
		limit         string
		extraVars     []string
		metricsAddr   string
		traceExporter string
		traceEndpoint string
		noStore       bool
		storePath     string
	)

	cmd := &cobra.Command{
		Use:   "apply [flags] playbook.yml",
		Short: "Run a playbook against the inventory",
		Long: `Run a playbook, converging every targeted host on its declared state.

This command:
  - Compiles the playbook against the inventory
  - Gathers facts on each host before its first play
  - Runs hosts in parallel up to --forks, tasks in order per host
  - Flushes notified handlers at the end of each play
  - Records the run in the history database unless --no-store
  - Prints per-step lines and a final per-host recap`,
		Example: `  # Converge all hosts
  drover apply -i inventory.yml site.yml

  # Preview without touching hosts
  drover apply -i inventory.yml site.yml --check

  # Only the web group, ten hosts at a time
  drover apply -i inventory.yml site.yml --limit web --forks 10

  # Expose Prometheus metrics while the run executes
  drover apply -i inventory.yml site.yml --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := loadInventory(inventoryFile)
			if err != nil {
				return err
			}
			pb, err := loadPlaybook(args[0])
			if err != nil {
				return err
			}
			vars, err := parseExtraVars(extraVars)
			if err != nil {
				return err
			}

			cfg := telemetry.DefaultConfig()
			cfg.ServiceVersion = buildVersion
			cfg.Logging.Level = logLevel
			cfg.Logging.Format = logFormat
			cfg.Logging.Output = "stderr"
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.ListenAddress = metricsAddr
			}
			if traceExporter != "none" {
				cfg.Tracing.Enabled = true
				cfg.Tracing.Exporter = traceExporter
				cfg.Tracing.Endpoint = traceEndpoint
			}
			tel, err := telemetry.NewTelemetry(cfg)
			if err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("telemetry shutdown")
				}
			}()
			ctx = tel.WithContext(ctx)
			if cfg.Metrics.Enabled {
				if err := tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("start metrics server: %w", err)
				}
			}

			runID := uuid.New().String()
			printer := report.NewPrinter(os.Stdout)

			opts := engine.Options{
				RunID:     runID,
				Forks:     forks,
				Limit:     limit,
				CheckMode: checkMode,
				ExtraVars: vars,
				OnStep: func(sr *engine.StepResult) {
					if !jsonOutput {
						printer.Step(sr)
					}
					tel.Metrics.RecordStep(sr.Module, string(sr.Status), sr.Duration)
					if sr.Changed() {
						tel.Metrics.RecordChange(sr.Module)
					}
					if sr.Handler {
						tel.Metrics.RecordHandlerNotified(sr.Task)
					}
					switch sr.Status {
					case engine.StepDetached:
						tel.Metrics.RecordDetached(sr.Module)
						_ = tel.Events.PublishStepDetached(runID, sr.Host, sr.Task)
					case engine.StepFailed:
						tel.Metrics.RecordHostFailed(sr.Play)
						_ = tel.Events.PublishStepFailed(runID, sr.Host, sr.Task, sr.Err)
					case engine.StepUnreachable:
						tel.Metrics.RecordHostFailed(sr.Play)
						_ = tel.Events.PublishHostUnreachable(runID, sr.Host, sr.Err)
					}
				},
			}

			runner := engine.NewRunner(inv, modules.Default(), transportFactory, opts)
			if !noStore {
				store, err := openStore(ctx, storePath)
				if err != nil {
					return fmt.Errorf("open run store: %w", err)
				}
				defer store.Close()
				runner = runner.WithStore(store)
			}

			tel.Metrics.SetActiveHosts(float64(len(inv.HostNames())))

			runCtx := telemetry.WithRunContext(ctx, runID, args[0])
			rep, err := runner.Run(runCtx, pb)
			status := string(engine.RunStatusFailed)
			if rep != nil {
				status = string(rep.Run.Status)
			}
			telemetry.EndRunContext(runCtx, runID, status, err)
			if err != nil {
				tel.Metrics.RecordError(string(engine.ClassOf(err)))
				return err
			}

			if jsonOutput {
				if err := printJSON(rep); err != nil {
					return err
				}
			} else {
				printer.Recap(rep)
			}
			if rep.Failed() {
				n := 0
				for _, recap := range rep.Recaps {
					if !recap.Clean() {
						n++
					}
				}
				return fmt.Errorf("%d host(s) failed", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryFile, "inventory", "i", "", "inventory file")
	cmd.Flags().BoolVar(&checkMode, "check", false, "report what would change without changing anything")
	cmd.Flags().IntVar(&forks, "forks", engine.DefaultForks, "max hosts converging in parallel")
	cmd.Flags().StringVar(&limit, "limit", "", "host or group pattern to narrow the run")
	cmd.Flags().StringArrayVarP(&extraVars, "extra-var", "e", nil, "extra variable as key=value (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter: otlp, stdout or none")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "skip recording the run in the history database")
	cmd.Flags().StringVar(&storePath, "store", "", "history database path (default ~/.drover/drover.db)")

	return cmd
}
