package report

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/droverops/drover/pkg/engine"
)

// Printer writes step lines as a run progresses and the recap once it
// finishes. Step is shaped to be handed to the runner's OnStep option.
type Printer struct {
	w        io.Writer
	mu       sync.Mutex
	lastPlay string
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Step prints one result line, preceded by a play banner whenever the
// play changes. Plays run strictly in order, so a change of play name
// is a real boundary even with hosts interleaving.
func (p *Printer) Step(sr *engine.StepResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sr.Play != p.lastPlay {
		p.lastPlay = sr.Play
		fmt.Fprintf(p.w, "\n%s\n\n", banner("PLAY ["+sr.Play+"]"))
	}
	fmt.Fprintln(p.w, stepLine(sr))
}

func stepLine(sr *engine.StepResult) string {
	host := sr.Host
	if sr.Delegated != "" {
		host = sr.Host + " -> " + sr.Delegated
	}
	label := sr.Task
	if sr.Handler {
		label += " (handler)"
	}
	text := fmt.Sprintf("%s: [%s] %s", sr.Status, host, label)
	switch {
	case sr.Err != "":
		text += ": " + sr.Err
	case sr.Msg != "":
		text += ": " + sr.Msg
	}
	return paint(sr.Status, text)
}

// Recap prints the per-host summary table and the run's closing line.
// Detached steps get a legend: they were launched fire-and-forget and
// nothing here can say whether they succeeded.
func (p *Printer) Recap(rep *engine.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "\n%s\n\n", banner("PLAY RECAP"))

	t := Table(p.w)
	t.SetHeader([]string{"HOST", "OK", "CHANGED", "FAILED", "RESCUED", "SKIPPED", "IGNORED", "DETACHED", "UNREACHABLE"})

	detached := 0
	for _, name := range rep.HostNames() {
		rc := rep.Recaps[name]
		detached += rc.Detached
		unreachable := ""
		if rc.Unreachable {
			unreachable = "yes"
		}
		t.Append([]string{
			hostCell(rc),
			strconv.Itoa(rc.OK),
			strconv.Itoa(rc.Changed),
			strconv.Itoa(rc.Failed),
			strconv.Itoa(rc.Rescued),
			strconv.Itoa(rc.Skipped),
			strconv.Itoa(rc.Ignored),
			strconv.Itoa(rc.Detached),
			unreachable,
		})
	}
	t.Render()

	if detached > 0 {
		fmt.Fprintf(p.w, "\n%d step(s) ran detached: they were launched fire-and-forget and their results are unobservable.\n", detached)
	}
	if rep.Run.CheckMode {
		fmt.Fprintln(p.w, "\ncheck mode: no changes were made")
	}
	fmt.Fprintf(p.w, "\nrun %s %s in %s\n", rep.Run.ID, paintRun(rep.Run.Status), rep.Run.Duration.Round(time.Millisecond))
}

func hostCell(rc *engine.HostRecap) string {
	switch {
	case !rc.Clean():
		return paint(engine.StepFailed, rc.Host)
	case rc.Changed > 0 || rc.Detached > 0:
		return paint(engine.StepChanged, rc.Host)
	default:
		return paint(engine.StepOK, rc.Host)
	}
}
