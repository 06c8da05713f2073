// Package report renders run output for humans: one line per step as
// results arrive, an Ansible-style recap table per host at the end, and
// the plan preview for runs that never touch a host. Everything writes
// to an io.Writer so commands decide where it goes; machine-readable
// output is the caller's business (the CLI marshals the engine report
// directly for --json).
package report

import (
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/droverops/drover/pkg/engine"
)

// bannerWidth keeps play and recap banners at a fixed column so runs
// scan vertically.
const bannerWidth = 72

var statusColors = map[engine.StepStatus]*color.Color{
	engine.StepOK:          color.New(color.FgGreen),
	engine.StepChanged:     color.New(color.FgYellow),
	engine.StepFailed:      color.New(color.FgRed),
	engine.StepUnreachable: color.New(color.FgRed, color.Bold),
	engine.StepSkipped:     color.New(color.FgCyan),
	engine.StepIgnored:     color.New(color.FgRed),
	engine.StepDetached:    color.New(color.FgBlue),
}

var runColors = map[engine.RunStatus]*color.Color{
	engine.RunStatusOK:       color.New(color.FgGreen),
	engine.RunStatusChanged:  color.New(color.FgYellow),
	engine.RunStatusFailed:   color.New(color.FgRed),
	engine.RunStatusCanceled: color.New(color.FgRed),
}

func paint(status engine.StepStatus, s string) string {
	c, ok := statusColors[status]
	if !ok {
		return s
	}
	return c.Sprint(s)
}

func paintRun(status engine.RunStatus) string {
	c, ok := runColors[status]
	if !ok {
		return string(status)
	}
	return c.Sprint(string(status))
}

func banner(text string) string {
	stars := bannerWidth - len(text) - 1
	if stars < 3 {
		stars = 3
	}
	return text + " " + strings.Repeat("*", stars)
}

// Table returns a borderless left-aligned table in the house style.
// Shared with the CLI's list commands so every table looks the same.
func Table(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetBorder(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetTablePadding("\t")
	t.SetNoWhiteSpace(true)
	return t
}
