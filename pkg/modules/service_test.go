package modules

import (
	"context"
	"strings"
	"testing"

	"github.com/droverops/drover/pkg/transport"
)

func TestServiceStartedAlreadyActive(t *testing.T) {
	tr := newFakeTransport()
	tr.script("systemctl is-active 'postgresql'", ok("active\n"))

	mod := buildModule(t, "service", "name: postgresql\nstate: started\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed {
		t.Error("active service must not change")
	}
	if tr.ran("systemctl start 'postgresql'") {
		t.Error("start should not run")
	}
}

func TestServiceStartsInactiveService(t *testing.T) {
	tr := newFakeTransport()
	tr.script("systemctl is-active 'postgresql'", &transport.Result{ExitCode: 3, Stdout: "inactive\n"})
	tr.script("systemctl start 'postgresql'", ok(""))

	mod := buildModule(t, "service", "name: postgresql\nstate: started\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	if !tr.ran("systemctl start 'postgresql'") {
		t.Errorf("start not issued, commands: %v", tr.commands())
	}
}

func TestServiceRestartAlwaysRuns(t *testing.T) {
	tr := newFakeTransport()
	tr.script("systemctl is-active 'ssh'", ok("active\n"))
	tr.script("systemctl restart 'ssh'", ok(""))

	mod := buildModule(t, "service", "name: ssh\nstate: restarted\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("restart must always be a change")
	}
	if !tr.ran("systemctl restart 'ssh'") {
		t.Errorf("restart not issued, commands: %v", tr.commands())
	}
}

func TestServiceEnableDrift(t *testing.T) {
	tr := newFakeTransport()
	tr.script("systemctl is-active 'postgresql'", ok("active\n"))
	tr.script("systemctl is-enabled 'postgresql'", &transport.Result{ExitCode: 1, Stdout: "disabled\n"})
	tr.script("systemctl enable 'postgresql'", ok(""))

	mod := buildModule(t, "service", "name: postgresql\nstate: started\nenabled: true\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	if !tr.ran("systemctl enable 'postgresql'") {
		t.Errorf("enable not issued, commands: %v", tr.commands())
	}
	actions, _ := res.Data["actions"].([]string)
	if len(actions) != 1 || actions[0] != "enable" {
		t.Errorf("actions = %v", res.Data["actions"])
	}
}

func TestServiceFullyConverged(t *testing.T) {
	tr := newFakeTransport()
	tr.script("systemctl is-active 'postgresql'", ok("active\n"))
	tr.script("systemctl is-enabled 'postgresql'", ok("enabled\n"))

	mod := buildModule(t, "service", "name: postgresql\nstate: started\nenabled: true\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed {
		t.Error("converged service must not change")
	}
}

func TestServiceCheckModeDoesNotRestart(t *testing.T) {
	tr := newFakeTransport()
	tr.script("systemctl is-active 'ssh'", ok("active\n"))

	mod := buildModule(t, "service", "name: ssh\nstate: restarted\n")
	req := request(tr)
	req.CheckMode = true
	res, err := mod.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("check mode should report the pending restart")
	}
	if tr.ran("systemctl restart 'ssh'") {
		t.Error("check mode must not restart")
	}
}

func TestServiceDispatchRestart(t *testing.T) {
	tr := newFakeTransport()
	mod := buildModule(t, "service", "name: networking\nstate: restarted\n")

	d, isDetacher := mod.(Detacher)
	if !isDetacher {
		t.Fatal("service should support detached dispatch")
	}
	res, err := d.Dispatch(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Changed {
		t.Error("dispatch should report a change")
	}
	if len(tr.detached) != 1 || tr.detached[0] != "systemctl restart 'networking'" {
		t.Errorf("detached = %v", tr.detached)
	}
	if len(tr.calls) != 0 {
		t.Errorf("dispatch must not probe, commands: %v", tr.commands())
	}
}

func TestServiceDispatchRejectsReconcileStates(t *testing.T) {
	mod := buildModule(t, "service", "name: ssh\nstate: started\n")
	d := mod.(Detacher)
	_, err := d.Dispatch(context.Background(), request(newFakeTransport()))
	if err == nil || !strings.Contains(err.Error(), "detached") {
		t.Fatalf("expected detach restriction error, got %v", err)
	}
}

func TestServiceRequiresStateOrEnabled(t *testing.T) {
	_, err := Default().Build("service", paramsNode(t, "name: ssh\n"))
	if err == nil || !strings.Contains(err.Error(), "at least one of") {
		t.Fatalf("expected parameter error, got %v", err)
	}
}
