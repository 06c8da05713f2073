package modules

import (
	"context"
	"strings"
	"testing"
)

func TestRebootRefusesSynchronousApply(t *testing.T) {
	mod := buildModule(t, "reboot", "{}")
	_, err := mod.Apply(context.Background(), request(newFakeTransport()))
	if err == nil || !strings.Contains(err.Error(), "detach: true") {
		t.Fatalf("expected detach requirement, got %v", err)
	}
}

func TestRebootDispatch(t *testing.T) {
	tr := newFakeTransport()
	mod := buildModule(t, "reboot", "delay_seconds: 5\nmessage: drover maintenance reboot\n")

	d, isDetacher := mod.(Detacher)
	if !isDetacher {
		t.Fatal("reboot should support detached dispatch")
	}
	res, err := d.Dispatch(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Changed {
		t.Error("dispatch should report a change")
	}
	want := `sleep 5 && shutdown -r now "drover maintenance reboot"`
	if len(tr.detached) != 1 || tr.detached[0] != want {
		t.Errorf("detached = %v, want %q", tr.detached, want)
	}
}

func TestRebootDefaultDelay(t *testing.T) {
	tr := newFakeTransport()
	mod := buildModule(t, "reboot", "{}")
	if _, err := mod.(Detacher).Dispatch(context.Background(), request(tr)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(tr.detached) != 1 || tr.detached[0] != "sleep 2 && shutdown -r now" {
		t.Errorf("detached = %v", tr.detached)
	}
}

func TestRebootDispatchCheckMode(t *testing.T) {
	tr := newFakeTransport()
	mod := buildModule(t, "reboot", "{}")
	req := request(tr)
	req.CheckMode = true
	res, err := mod.(Detacher).Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Changed || res.Msg != "would dispatch reboot" {
		t.Errorf("result = %+v", res)
	}
	if len(tr.detached) != 0 {
		t.Errorf("check mode must not dispatch, got %v", tr.detached)
	}
}
