package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/telemetry"
)

var (
	// Global flags
	logLevel   string
	logFormat  string
	jsonOutput bool

	// buildVersion is what Execute was handed, kept for telemetry
	// resource attributes.
	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Drover - declarative server provisioning over SSH",
		Long: `Drover provisions and reconciles servers over plain SSH, with nothing
installed on the managed side. A YAML inventory names the hosts, a
playbook binds them to ordered plays of tasks, and every module probes
current state before touching anything, so a host that is already
converged is reported ok and left alone.

Features:
  - Idempotent modules: apt, user, copy, template, lineinfile, service, ...
  - Hosts run in parallel within a play, bounded by --forks
  - Check mode previews every change without touching a host
  - Handlers, blocks with rescue/always, delegation, detached dispatch
  - Run history in SQLite and Rego playbook audits`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")

	// Add subcommands
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newLintCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// setupLogging replaces the global logger with one built from the
// persistent flags. Diagnostics go to stderr; stdout stays reserved for
// command output.
func setupLogging() error {
	tl, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:      logLevel,
		Format:     logFormat,
		Output:     "stderr",
		TimeFormat: "rfc3339",
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	log.Logger = tl.Zerolog()
	return nil
}
