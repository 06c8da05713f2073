package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/droverops/drover/pkg/engine"
)

// PrintPlan renders a compiled plan without touching a host: every
// play's resolved hosts and step list, handlers, and the would-run
// totals.
func PrintPlan(w io.Writer, plan *engine.Plan) {
	hosts := make(map[string]bool)
	executions := 0

	for _, pp := range plan.Plays {
		fmt.Fprintf(w, "\n%s\n\n", banner("PLAY ["+pp.Label+"]"))

		if len(pp.Hosts) == 0 {
			fmt.Fprintln(w, "no hosts matched; play is skipped")
			continue
		}

		names := make([]string, 0, len(pp.Hosts))
		for _, h := range pp.Hosts {
			names = append(names, h.Name)
			hosts[h.Name] = true
		}
		fmt.Fprintf(w, "hosts (%d): %s\n", len(names), strings.Join(names, ", "))
		if !pp.Play.GatherFactsEnabled() {
			fmt.Fprintln(w, "facts: not gathered")
		}
		fmt.Fprintln(w)

		t := Table(w)
		t.SetHeader([]string{"STEP", "MODULE", "WHEN", "NOTES"})
		for i, st := range pp.Steps {
			t.Append([]string{
				fmt.Sprintf("%d. %s", i+1, st.Label),
				st.Module,
				st.When,
				stepNotes(st),
			})
		}
		t.Render()

		if len(pp.Play.Handlers) > 0 {
			labels := make([]string, 0, len(pp.Play.Handlers))
			for _, h := range pp.Play.Handlers {
				labels = append(labels, fmt.Sprintf("%s (%s)", h.Label(), h.Module))
			}
			fmt.Fprintf(w, "\nhandlers: %s\n", strings.Join(labels, ", "))
		}

		fmt.Fprintf(w, "\n%d step(s) per host\n", len(pp.Steps))
		executions += len(pp.Steps) * len(pp.Hosts)
	}

	fmt.Fprintf(w, "\nplan: %d play(s), %d host(s), %d step execution(s)\n",
		len(plan.Plays), len(hosts), executions)
}

func stepNotes(st *engine.PlannedStep) string {
	var notes []string
	if st.Block != "" {
		notes = append(notes, "block: "+st.Block)
	}
	if st.Section == "rescue" || st.Section == "always" {
		notes = append(notes, st.Section)
	}
	if st.Detach {
		notes = append(notes, "detach")
	}
	if len(st.Notify) > 0 {
		notes = append(notes, "notify: "+strings.Join(st.Notify, ", "))
	}
	return strings.Join(notes, "; ")
}
