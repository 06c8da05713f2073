package modules

import (
	"context"
	"strings"
	"testing"
)

func TestCommandRunsAndRecordsOutput(t *testing.T) {
	tr := newFakeTransport()
	tr.script("pg_isready -q", ok("accepting connections\n"))

	mod := buildModule(t, "command", "pg_isready -q")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("a run command always counts as changed")
	}
	if res.Data["exit_code"] != 0 {
		t.Errorf("exit_code = %v", res.Data["exit_code"])
	}
	if res.Data["stdout"] != "accepting connections\n" {
		t.Errorf("stdout = %v", res.Data["stdout"])
	}
}

func TestCommandCreatesGuardSkips(t *testing.T) {
	tr := newFakeTransport()
	tr.script("test -e '/var/lib/postgresql/16/main/PG_VERSION'", ok(""))

	mod := buildModule(t, "command", `
cmd: pg_createcluster 16 main
creates: /var/lib/postgresql/16/main/PG_VERSION
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed {
		t.Error("satisfied creates guard must skip")
	}
	if !strings.Contains(res.Msg, "skipped") {
		t.Errorf("msg = %q", res.Msg)
	}
	if tr.ran("pg_createcluster 16 main") {
		t.Error("guarded command must not run")
	}
}

func TestCommandRemovesGuardSkips(t *testing.T) {
	tr := newFakeTransport()
	tr.script("test -e '/etc/legacy.conf'", failRes(1, ""))

	mod := buildModule(t, "command", "cmd: rm /etc/legacy.conf\nremoves: /etc/legacy.conf\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed {
		t.Error("satisfied removes guard must skip")
	}
}

func TestCommandNonZeroExitIsFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.script("false", failRes(1, "boom"))

	mod := buildModule(t, "command", "false")
	res, err := mod.Apply(context.Background(), request(tr))
	if err == nil || !strings.Contains(err.Error(), "exited 1") {
		t.Fatalf("expected exit error, got %v", err)
	}
	if res == nil || res.Data["exit_code"] != 1 {
		t.Errorf("result data should survive the failure, got %+v", res)
	}
}

func TestCommandChdir(t *testing.T) {
	tr := newFakeTransport()
	tr.script("cd '/opt/app' && ./migrate.sh", ok(""))

	mod := buildModule(t, "shell", "cmd: ./migrate.sh\nchdir: /opt/app\n")
	if _, err := mod.Apply(context.Background(), request(tr)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !tr.ran("cd '/opt/app' && ./migrate.sh") {
		t.Errorf("chdir prefix missing, commands: %v", tr.commands())
	}
}

func TestCommandDispatch(t *testing.T) {
	tr := newFakeTransport()
	mod := buildModule(t, "command", "systemctl restart networking")

	res, err := mod.(Detacher).Dispatch(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Changed {
		t.Error("dispatch should report a change")
	}
	if len(tr.detached) != 1 || tr.detached[0] != "systemctl restart networking" {
		t.Errorf("detached = %v", tr.detached)
	}
}

func TestCommandDispatchHonorsGuard(t *testing.T) {
	tr := newFakeTransport()
	tr.script("test -e '/run/startup.done'", ok(""))

	mod := buildModule(t, "command", "cmd: /opt/startup.sh\ncreates: /run/startup.done\n")
	res, err := mod.(Detacher).Dispatch(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Changed {
		t.Error("guarded dispatch must skip")
	}
	if len(tr.detached) != 0 {
		t.Errorf("nothing should be dispatched, got %v", tr.detached)
	}
}

func TestCommandCheckMode(t *testing.T) {
	tr := newFakeTransport()
	mod := buildModule(t, "command", "apt-get clean")
	req := request(tr)
	req.CheckMode = true
	res, err := mod.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("check mode should report the pending run")
	}
	if tr.ran("apt-get clean") {
		t.Error("check mode must not run the command")
	}
}
