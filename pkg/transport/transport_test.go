package transport

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCommandPlain(t *testing.T) {
	line, stdin := Command("uptime", Options{}, "")

	if line != "uptime" {
		t.Errorf("expected line 'uptime', got %q", line)
	}
	if stdin != "" {
		t.Errorf("expected empty stdin, got %q", stdin)
	}
}

func TestCommandEnv(t *testing.T) {
	opts := Options{Env: map[string]string{
		"DEBIAN_FRONTEND": "noninteractive",
		"APT_LISTCHANGES": "none",
	}}

	line, _ := Command("apt-get -y upgrade", opts, "")

	expected := `env 'APT_LISTCHANGES=none' 'DEBIAN_FRONTEND=noninteractive' sh -c 'apt-get -y upgrade'`
	if line != expected {
		t.Errorf("expected %q, got %q", expected, line)
	}
}

func TestCommandSudoWithPassword(t *testing.T) {
	line, stdin := Command("systemctl restart ssh", Options{Sudo: true}, "hunter2")

	expected := `sudo -S -p '' sh -c 'systemctl restart ssh'`
	if line != expected {
		t.Errorf("expected %q, got %q", expected, line)
	}
	if stdin != "hunter2\n" {
		t.Errorf("expected password on stdin, got %q", stdin)
	}
}

func TestCommandSudoWithoutPassword(t *testing.T) {
	line, stdin := Command("systemctl restart ssh", Options{Sudo: true}, "")

	expected := `sudo -n sh -c 'systemctl restart ssh'`
	if line != expected {
		t.Errorf("expected %q, got %q", expected, line)
	}
	if stdin != "" {
		t.Errorf("expected empty stdin, got %q", stdin)
	}
}

func TestCommandSudoPreservesStdin(t *testing.T) {
	opts := Options{Sudo: true, Stdin: "file contents\n"}

	_, stdin := Command("tee /etc/motd", opts, "hunter2")

	// sudo -S consumes the first line, the command gets the rest.
	if stdin != "hunter2\nfile contents\n" {
		t.Errorf("unexpected stdin payload: %q", stdin)
	}
}

func TestCommandSudoWrapsCompound(t *testing.T) {
	line, _ := Command("mkdir -p /opt/app && chown app /opt/app", Options{Sudo: true}, "")

	// Both halves of the compound command must run under sudo.
	if !strings.HasPrefix(line, "sudo -n sh -c '") {
		t.Errorf("compound command not wrapped: %q", line)
	}
}

func TestCommandEnvUnderSudo(t *testing.T) {
	opts := Options{
		Sudo: true,
		Env:  map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	}

	line, _ := Command("apt-get install -y nginx", opts, "")

	if !strings.Contains(line, "env 'DEBIAN_FRONTEND=noninteractive'") {
		t.Errorf("env wrapper missing under sudo: %q", line)
	}
	if !strings.HasPrefix(line, "sudo -n ") {
		t.Errorf("sudo must be outermost: %q", line)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
		{"$HOME", "'$HOME'"},
	}

	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.expected {
			t.Errorf("ShellQuote(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestDetachCommand(t *testing.T) {
	line := DetachCommand("systemctl restart networking")

	if !strings.HasPrefix(line, "nohup sh -c ") {
		t.Errorf("expected nohup wrapper, got %q", line)
	}
	if !strings.HasSuffix(line, "&") {
		t.Errorf("expected background suffix, got %q", line)
	}
	if !strings.Contains(line, ">/dev/null 2>&1 </dev/null") {
		t.Errorf("expected detached streams, got %q", line)
	}
}

func TestResultSuccess(t *testing.T) {
	ok := &Result{ExitCode: 0}
	if !ok.Success() {
		t.Error("exit 0 should be success")
	}

	failed := &Result{ExitCode: 2}
	if failed.Success() {
		t.Error("exit 2 should not be success")
	}
}

func TestResultOut(t *testing.T) {
	r := &Result{Stdout: "  bookworm\n"}
	if r.Out() != "bookworm" {
		t.Errorf("expected trimmed output, got %q", r.Out())
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError("connect", "db1.example.com", fmt.Errorf("connection refused"))

	msg := err.Error()
	if !strings.Contains(msg, "connect") {
		t.Errorf("expected op in message, got %q", msg)
	}
	if !strings.Contains(msg, "db1.example.com") {
		t.Errorf("expected host in message, got %q", msg)
	}

	noHost := NewError("exec", "", fmt.Errorf("session closed"))
	if strings.Contains(noHost.Error(), "  ") {
		t.Errorf("expected clean message without host, got %q", noHost.Error())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewError("connect", "web1", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestErrorClassification(t *testing.T) {
	auth := NewAuthError("connect", "web1", fmt.Errorf("permission denied"))
	if !IsAuth(auth) {
		t.Error("expected auth error to be classified as auth")
	}
	if IsTemporary(auth) {
		t.Error("auth error should not be temporary")
	}

	temp := NewTemporaryError("connect", "web1", fmt.Errorf("i/o timeout"))
	if !IsTemporary(temp) {
		t.Error("expected timeout to be classified as temporary")
	}
	if IsAuth(temp) {
		t.Error("timeout should not be an auth error")
	}

	// Classification must survive wrapping.
	wrapped := fmt.Errorf("host unreachable: %w", temp)
	if !IsTemporary(wrapped) {
		t.Error("expected classification through wrapped error")
	}

	if IsAuth(errors.New("plain")) || IsTemporary(errors.New("plain")) {
		t.Error("plain errors should not classify")
	}
}
