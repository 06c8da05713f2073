package local

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/droverops/drover/pkg/transport"
)

func TestRunCapturesOutput(t *testing.T) {
	tr := New(Config{})

	result, err := tr.Run(context.Background(), "echo hello", transport.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Success() {
		t.Errorf("expected success, got exit %d", result.ExitCode)
	}
	if result.Out() != "hello" {
		t.Errorf("expected 'hello', got %q", result.Out())
	}
	if result.Duration <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	tr := New(Config{})

	result, err := tr.Run(context.Background(), "exit 3", transport.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", result.ExitCode)
	}
	if result.Success() {
		t.Error("exit 3 must not be success")
	}
}

func TestRunStderr(t *testing.T) {
	tr := New(Config{})

	result, err := tr.Run(context.Background(), "echo oops >&2; exit 1", transport.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ExitCode != 1 {
		t.Errorf("expected exit 1, got %d", result.ExitCode)
	}
	if got := result.Stderr; got != "oops\n" {
		t.Errorf("expected stderr 'oops', got %q", got)
	}
}

func TestRunStdin(t *testing.T) {
	tr := New(Config{})

	result, err := tr.Run(context.Background(), "cat", transport.Options{Stdin: "from stdin\n"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Stdout != "from stdin\n" {
		t.Errorf("expected stdin echoed back, got %q", result.Stdout)
	}
}

func TestRunEnv(t *testing.T) {
	tr := New(Config{})

	opts := transport.Options{Env: map[string]string{"GREETING": "gday"}}
	result, err := tr.Run(context.Background(), `printf '%s' "$GREETING"`, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Stdout != "gday" {
		t.Errorf("expected environment to reach the command, got %q", result.Stdout)
	}
}

func TestRunContextCancellation(t *testing.T) {
	tr := New(Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Run(ctx, "sleep 10", transport.Options{})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !transport.IsTemporary(err) {
		t.Errorf("expected a temporary transport error, got %v", err)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	tr := New(Config{CommandTimeout: 50 * time.Millisecond})

	_, err := tr.Run(context.Background(), "sleep 10", transport.Options{})
	if err == nil {
		t.Fatal("expected error from command timeout")
	}
}

func TestDetachReturnsImmediately(t *testing.T) {
	tr := New(Config{})

	start := time.Now()
	if err := tr.Detach(context.Background(), "sleep 5", transport.Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("detach took %v, expected immediate return", elapsed)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	tr := New(Config{})
	path := filepath.Join(t.TempDir(), "motd")
	content := []byte("managed by drover\n")

	if err := tr.Upload(context.Background(), bytes.NewReader(content), path, 0o640); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}

	data, err := tr.Download(context.Background(), path)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("expected %q, got %q", content, data)
	}
}

func TestUploadCreatesParentDirectories(t *testing.T) {
	tr := New(Config{})
	path := filepath.Join(t.TempDir(), "etc", "app", "conf.d", "main.conf")

	if err := tr.Upload(context.Background(), bytes.NewReader([]byte("x=1\n")), path, 0o644); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file to exist: %v", err)
	}
}

func TestChecksum(t *testing.T) {
	tr := New(Config{})
	path := filepath.Join(t.TempDir(), "data")
	content := []byte("checksum me\n")

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sum, err := tr.Checksum(context.Background(), path, transport.Options{})
	if err != nil {
		t.Fatalf("checksum failed: %v", err)
	}

	expected := sha256.Sum256(content)
	if sum != hex.EncodeToString(expected[:]) {
		t.Errorf("expected %s, got %s", hex.EncodeToString(expected[:]), sum)
	}
}

func TestChecksumMissingFile(t *testing.T) {
	tr := New(Config{})

	sum, err := tr.Checksum(context.Background(), filepath.Join(t.TempDir(), "absent"), transport.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != "" {
		t.Errorf("expected empty checksum for missing file, got %q", sum)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	tr := New(Config{})

	_, err := tr.Download(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
