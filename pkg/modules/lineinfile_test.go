package modules

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptSSHDConfig wires up the probe and read for an existing
// sshd_config with the given content.
func scriptSSHDConfig(tr *fakeTransport, content string) {
	tr.script("test -e '/etc/ssh/sshd_config'", ok(""))
	tr.script("cat -- '/etc/ssh/sshd_config'", ok(content))
	tr.script("cp -- '/tmp/drover-X' '/etc/ssh/sshd_config'", ok(""))
	tr.script("rm -f -- '/tmp/drover-X'", ok(""))
}

func TestLineInFileReplacesCommentedDirective(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "#PasswordAuthentication yes\nX11Forwarding yes\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
regexp: '^#?PasswordAuthentication'
line: PasswordAuthentication no
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	got := tr.uploads["/tmp/drover-X"]
	want := "PasswordAuthentication no\nX11Forwarding yes\n"
	if got != want {
		t.Errorf("staged content = %q, want %q", got, want)
	}
	if !tr.ran("cp -- '/tmp/drover-X' '/etc/ssh/sshd_config'") {
		t.Errorf("install not issued, commands: %v", tr.commands())
	}
}

func TestLineInFileSecondRunIsClean(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "PasswordAuthentication no\nX11Forwarding yes\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
regexp: '^#?PasswordAuthentication'
line: PasswordAuthentication no
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed {
		t.Error("second run must be clean")
	}
	if len(tr.uploads) != 0 {
		t.Errorf("nothing should be staged, got %v", tr.uploads)
	}
}

func TestLineInFileCollapsesDuplicateMatches(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "#PasswordAuthentication yes\nPasswordAuthentication yes\nPort 22\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
regexp: '^#?PasswordAuthentication'
line: PasswordAuthentication no
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	staged := tr.uploads["/tmp/drover-X"]
	if n := strings.Count(staged, "PasswordAuthentication"); n != 1 {
		t.Errorf("want exactly one PasswordAuthentication line, got %d in %q", n, staged)
	}
	if !strings.HasPrefix(staged, "PasswordAuthentication no\n") {
		t.Errorf("replacement should keep the first match's position, got %q", staged)
	}
}

func TestLineInFileAppendsWhenNoMatch(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "Port 22\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
regexp: '^#?AllowTcpForwarding'
line: AllowTcpForwarding no
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	if got := tr.uploads["/tmp/drover-X"]; got != "Port 22\nAllowTcpForwarding no\n" {
		t.Errorf("staged content = %q", got)
	}
}

func TestLineInFileExactLineWithoutRegexp(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "Port 22\nAllowTcpForwarding no\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
line: AllowTcpForwarding no
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed {
		t.Error("present exact line must not change")
	}
}

func TestLineInFileAbsentRemovesAllMatches(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "Banner /etc/issue\nPort 22\nBanner none\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
regexp: '^Banner'
state: absent
`)
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	if got := tr.uploads["/tmp/drover-X"]; got != "Port 22\n" {
		t.Errorf("staged content = %q", got)
	}
}

func TestLineInFileMissingFileWithoutCreate(t *testing.T) {
	tr := newFakeTransport()
	tr.script("test -e '/etc/motd.d/banner'", failRes(1, ""))

	mod := buildModule(t, "lineinfile", "path: /etc/motd.d/banner\nline: managed by drover\n")
	_, err := mod.Apply(context.Background(), request(tr))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func TestLineInFileCreatesMissingFile(t *testing.T) {
	tr := newFakeTransport()
	tr.script("test -e '/etc/motd.d/banner'", failRes(1, ""))
	tr.script("install -m 0644 -- '/tmp/drover-X' '/etc/motd.d/banner'", ok(""))
	tr.script("rm -f -- '/tmp/drover-X'", ok(""))

	mod := buildModule(t, "lineinfile", "path: /etc/motd.d/banner\nline: managed by drover\ncreate: true\n")
	res, err := mod.Apply(context.Background(), request(tr))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("expected change")
	}
	if got := tr.uploads["/tmp/drover-X"]; got != "managed by drover\n" {
		t.Errorf("staged content = %q", got)
	}
}

func TestLineInFileValidateFailureBlocksWrite(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "Port 22\n")
	tr.script("sshd -t -f '/tmp/drover-X'", failRes(255, "/tmp/drover-X: line 2: Bad configuration option"))

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
line: NotARealOption yes
validate: sshd -t -f %s
`)
	_, err := mod.Apply(context.Background(), request(tr))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if tr.ran("cp -- '/tmp/drover-X' '/etc/ssh/sshd_config'") {
		t.Error("failed validate must block the install")
	}
}

func TestLineInFileCheckMode(t *testing.T) {
	tr := newFakeTransport()
	scriptSSHDConfig(tr, "#PermitRootLogin yes\n")

	mod := buildModule(t, "lineinfile", `
path: /etc/ssh/sshd_config
regexp: '^#?PermitRootLogin'
line: PermitRootLogin no
`)
	req := request(tr)
	req.CheckMode = true
	res, err := mod.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Changed {
		t.Error("check mode should report the pending edit")
	}
	if len(tr.uploads) != 0 {
		t.Error("check mode must not stage anything")
	}
}

func TestLineInFileRejectsBadRegexp(t *testing.T) {
	_, err := Default().Build("lineinfile", paramsNode(t, "path: /etc/f\nline: x\nregexp: '['\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid regexp") {
		t.Fatalf("expected regexp error, got %v", err)
	}
}
