package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/inventory"
	"github.com/droverops/drover/pkg/playbook"
)

func muteColor(t *testing.T) {
	t.Helper()
	old := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = old })
}

func TestStepLineFormats(t *testing.T) {
	muteColor(t)

	tests := []struct {
		name string
		step *engine.StepResult
		want string
	}{
		{
			name: "ok",
			step: &engine.StepResult{Host: "web1", Task: "Install nginx", Status: engine.StepOK},
			want: "ok: [web1] Install nginx",
		},
		{
			name: "changed with message",
			step: &engine.StepResult{Host: "web1", Task: "Install nginx", Status: engine.StepChanged, Msg: "installed nginx"},
			want: "changed: [web1] Install nginx: installed nginx",
		},
		{
			name: "failure carries the error",
			step: &engine.StepResult{Host: "db1", Task: "Create role", Status: engine.StepFailed, Err: "command exited 1: role exists"},
			want: "failed: [db1] Create role: command exited 1: role exists",
		},
		{
			name: "delegated host",
			step: &engine.StepResult{Host: "web1", Delegated: "localhost", Task: "Push key", Status: engine.StepChanged},
			want: "changed: [web1 -> localhost] Push key",
		},
		{
			name: "handler marker",
			step: &engine.StepResult{Host: "web1", Task: "Restart nginx", Status: engine.StepChanged, Handler: true},
			want: "changed: [web1] Restart nginx (handler)",
		},
		{
			name: "skip reason",
			step: &engine.StepResult{Host: "web1", Task: "Enable ufw", Status: engine.StepSkipped, Msg: "condition not met"},
			want: "skipped: [web1] Enable ufw: condition not met",
		},
		{
			name: "unreachable connect",
			step: &engine.StepResult{Host: "web2", Task: "connect", Status: engine.StepUnreachable, Err: "dial tcp: timeout"},
			want: "unreachable: [web2] connect: dial tcp: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stepLine(tt.step); got != tt.want {
				t.Errorf("stepLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrinterBannersOncePerPlay(t *testing.T) {
	muteColor(t)

	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.Step(&engine.StepResult{Play: "Configure web", Host: "web1", Task: "Install nginx", Status: engine.StepOK})
	p.Step(&engine.StepResult{Play: "Configure web", Host: "web2", Task: "Install nginx", Status: engine.StepOK})
	p.Step(&engine.StepResult{Play: "Configure db", Host: "db1", Task: "Install postgres", Status: engine.StepChanged})

	out := buf.String()
	if got := strings.Count(out, "PLAY [Configure web]"); got != 1 {
		t.Errorf("web play banner printed %d times, want 1", got)
	}
	if got := strings.Count(out, "PLAY [Configure db]"); got != 1 {
		t.Errorf("db play banner printed %d times, want 1", got)
	}
	if !strings.Contains(out, "ok: [web2] Install nginx") {
		t.Errorf("missing step line in output:\n%s", out)
	}
}

func TestPrinterRecap(t *testing.T) {
	muteColor(t)

	rep := &engine.Report{
		Run: &engine.Run{ID: "run-1", Status: engine.RunStatusChanged, Duration: 1500 * time.Millisecond},
		Recaps: map[string]*engine.HostRecap{
			"web1": {Host: "web1", OK: 3, Changed: 2, Detached: 1},
			"db1":  {Host: "db1", OK: 1, Failed: 1, Unreachable: true},
		},
	}

	var buf bytes.Buffer
	NewPrinter(&buf).Recap(rep)
	out := buf.String()

	for _, want := range []string{
		"PLAY RECAP",
		"UNREACHABLE",
		"web1",
		"db1",
		"yes",
		"1 step(s) ran detached",
		"results are unobservable",
		"run run-1 changed in 1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("recap output missing %q:\n%s", want, out)
		}
	}
}

func TestPrinterRecapWithoutDetached(t *testing.T) {
	muteColor(t)

	rep := &engine.Report{
		Run: &engine.Run{ID: "run-2", Status: engine.RunStatusOK},
		Recaps: map[string]*engine.HostRecap{
			"web1": {Host: "web1", OK: 4},
		},
	}

	var buf bytes.Buffer
	NewPrinter(&buf).Recap(rep)

	if strings.Contains(buf.String(), "unobservable") {
		t.Errorf("legend printed with zero detached steps:\n%s", buf.String())
	}
}

func TestPrinterRecapCheckMode(t *testing.T) {
	muteColor(t)

	rep := &engine.Report{
		Run: &engine.Run{ID: "run-3", Status: engine.RunStatusChanged, CheckMode: true},
		Recaps: map[string]*engine.HostRecap{
			"web1": {Host: "web1", Changed: 2},
		},
	}

	var buf bytes.Buffer
	NewPrinter(&buf).Recap(rep)

	if !strings.Contains(buf.String(), "check mode: no changes were made") {
		t.Errorf("check mode note missing:\n%s", buf.String())
	}
}

func TestPrintPlan(t *testing.T) {
	muteColor(t)

	noFacts := false
	plan := &engine.Plan{
		Plays: []*engine.PlayPlan{
			{
				Play: &playbook.Play{
					GatherFacts: &noFacts,
					Handlers:    []*playbook.Task{{Name: "Restart nginx", Module: "service"}},
				},
				Label: "Configure web",
				Hosts: []*inventory.Host{{Name: "web1"}, {Name: "web2"}},
				Steps: []*engine.PlannedStep{
					{Label: "Install nginx", Module: "apt", Notify: []string{"Restart nginx"}, Section: "tasks"},
					{Label: "Reboot", Module: "reboot", Detach: true, Section: "tasks"},
					{Label: "Recover", Module: "command", Section: "rescue", Block: "deploy"},
				},
				Handlers: []string{"Restart nginx"},
			},
			{
				Play:  &playbook.Play{},
				Label: "Spare",
				Hosts: nil,
			},
		},
	}

	var buf bytes.Buffer
	PrintPlan(&buf, plan)
	out := buf.String()

	for _, want := range []string{
		"PLAY [Configure web]",
		"hosts (2): web1, web2",
		"facts: not gathered",
		"1. Install nginx",
		"notify: Restart nginx",
		"detach",
		"block: deploy; rescue",
		"handlers: Restart nginx (service)",
		"3 step(s) per host",
		"no hosts matched; play is skipped",
		"plan: 2 play(s), 2 host(s), 6 step execution(s)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
}
