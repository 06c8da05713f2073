package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droverops/drover/pkg/policy"
	"github.com/droverops/drover/pkg/report"
)

var severityColors = map[policy.Severity]*color.Color{
	policy.SeverityError:   color.New(color.FgRed),
	policy.SeverityWarning: color.New(color.FgYellow),
	policy.SeverityInfo:    color.New(color.FgCyan),
}

func newLintCommand() *cobra.Command {
	var (
		policyDirs []string
		skip       []string
		list       bool
	)

	cmd := &cobra.Command{
		Use:   "lint [flags] playbook.yml",
		Short: "Audit a playbook against Rego policies",
		Long: `Audit a playbook against the built-in policies plus any loaded with
--policy-dir. Policies see the playbook with blocks flattened and
grade their findings info, warning or error; only error-severity
violations fail the lint.

Built-in policies:
  - ssh-hardening-consistency: SSH hardening must not contradict itself
  - firewall-default-drop: a default-drop firewall needs an SSH accept first
  - db-exposure: flags database listeners opened beyond localhost
  - detached-visibility: flags detached tasks whose outcome nothing checks`,
		Example: `  # Lint with the built-in policies
  drover lint site.yml

  # Add custom policies from a directory
  drover lint site.yml --policy-dir policies/

  # List loaded policies without evaluating
  drover lint --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(policyDirs) > 0 {
				if err := eng.LoadPolicies(ctx, policyDirs); err != nil {
					return err
				}
			}
			for _, name := range skip {
				if err := eng.DisablePolicy(name); err != nil {
					return fmt.Errorf("--skip: %w", err)
				}
			}

			if list {
				return listPolicies(eng)
			}
			if len(args) != 1 {
				return fmt.Errorf("a playbook argument is required")
			}

			pb, err := loadPlaybook(args[0])
			if err != nil {
				return err
			}
			res, err := eng.Evaluate(ctx, pb)
			if err != nil {
				return err
			}
			for _, warning := range res.Warnings {
				log.Warn().Msg(warning)
			}

			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				printViolations(res)
			}
			if res.Blocking() {
				return fmt.Errorf("%d blocking violation(s)", res.Count(policy.SeverityError))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&policyDirs, "policy-dir", nil, "directory or file of extra policies (repeatable)")
	cmd.Flags().StringArrayVar(&skip, "skip", nil, "policy name to skip (repeatable)")
	cmd.Flags().BoolVar(&list, "list", false, "list loaded policies instead of evaluating")

	return cmd
}

func listPolicies(eng *policy.Engine) error {
	policies := eng.ListPolicies()
	if jsonOutput {
		return printJSON(policies)
	}
	t := report.Table(os.Stdout)
	t.SetHeader([]string{"NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION"})
	for _, p := range policies {
		enabled := "yes"
		if !p.Enabled {
			enabled = "no"
		}
		t.Append([]string{p.Name, string(p.Severity), enabled, p.Source, p.Description})
	}
	t.Render()
	return nil
}

func printViolations(res *policy.Result) {
	for _, v := range res.Violations {
		fmt.Println(violationLine(v))
	}
	if len(res.Violations) > 0 {
		fmt.Println()
	}
	fmt.Printf("%d policies evaluated in %s: %d error(s), %d warning(s), %d info\n",
		len(res.Policies), res.Duration.Round(time.Millisecond),
		res.Count(policy.SeverityError), res.Count(policy.SeverityWarning), res.Count(policy.SeverityInfo))
}

func violationLine(v policy.Violation) string {
	text := fmt.Sprintf("%s: [%s]", v.Severity, v.Policy)
	switch {
	case v.Play != "" && v.Task != "":
		text += fmt.Sprintf(" play %q task %q", v.Play, v.Task)
	case v.Play != "":
		text += fmt.Sprintf(" play %q", v.Play)
	}
	text += ": " + v.Message
	if c, ok := severityColors[v.Severity]; ok {
		return c.Sprint(text)
	}
	return text
}
