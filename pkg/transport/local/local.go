// Package local implements the drover transport against the control
// machine itself. It backs connection=local hosts and steps delegated to
// localhost, running commands through /bin/sh and touching the filesystem
// directly.
package local

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/droverops/drover/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Config holds the settings for the local transport.
type Config struct {
	// SudoPassword is fed to sudo -S for privileged commands. Empty
	// means the current user is expected to hold a NOPASSWD rule.
	SudoPassword string

	// CommandTimeout bounds a single Run when the caller's context
	// carries no deadline. Zero means no bound.
	CommandTimeout time.Duration
}

// Transport runs commands on the control machine. The zero value is usable;
// New exists for symmetry with the SSH transport.
type Transport struct {
	config Config
}

// New creates a local transport.
func New(config Config) *Transport {
	return &Transport{config: config}
}

// Connect is a no-op; there is nothing to dial.
func (t *Transport) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (t *Transport) Close() error {
	return nil
}

// Run executes cmd through /bin/sh. As with the SSH transport, a command
// that completes with a non-zero exit code is not an error.
func (t *Transport) Run(ctx context.Context, cmd string, opts transport.Options) (*transport.Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.CommandTimeout)
		defer cancel()
	}

	line, stdin := transport.Command(cmd, opts, t.config.SudoPassword)

	execCmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	if stdin != "" {
		execCmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	// Mirror the SSH transport's cancellation: SIGTERM first, SIGKILL
	// shortly after if the process lingers.
	execCmd.Cancel = func() error {
		return execCmd.Process.Signal(syscall.SIGTERM)
	}
	execCmd.WaitDelay = 2 * time.Second

	log.Debug().
		Str("cmd", cmd).
		Bool("sudo", opts.Sudo).
		Msg("executing local command")

	start := time.Now()
	err := execCmd.Run()
	result := &transport.Result{
		Cmd:      cmd,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.NewTemporaryError("exec", "localhost",
				fmt.Errorf("command %q: %w", cmd, ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, transport.NewError("exec", "localhost",
			fmt.Errorf("command %q: %w", cmd, err))
	}
	return result, nil
}

// Detach starts cmd in the background and returns once the launch shell
// exits. The child is reparented away, so its outcome is unobservable.
func (t *Transport) Detach(ctx context.Context, cmd string, opts transport.Options) error {
	result, err := t.Run(ctx, transport.DetachCommand(cmd), opts)
	if err != nil {
		return err
	}
	if !result.Success() {
		return transport.NewError("detach", "localhost",
			fmt.Errorf("dispatch exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
	}
	return nil
}

// Upload writes src to path, creating parent directories as needed.
func (t *Transport) Upload(ctx context.Context, src io.Reader, path string, mode fs.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return transport.NewError("upload", "localhost",
				fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return transport.NewError("upload", "localhost",
			fmt.Errorf("failed to create %s: %w", path, err))
	}

	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return transport.NewError("upload", "localhost",
			fmt.Errorf("failed to write %s: %w", path, err))
	}

	// The umask may have narrowed the mode at create time.
	if err := os.Chmod(path, mode); err != nil {
		return transport.NewError("upload", "localhost",
			fmt.Errorf("failed to chmod %s: %w", path, err))
	}
	return nil
}

// Download reads the file at path.
func (t *Transport) Download(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, transport.NewError("download", "localhost",
			fmt.Errorf("failed to read %s: %w", path, err))
	}
	return data, nil
}

// Checksum returns the hex SHA-256 of the file at path, or an empty string
// when it does not exist. Privileged paths go through sudo and sha256sum;
// everything else is hashed in-process.
func (t *Transport) Checksum(ctx context.Context, path string, opts transport.Options) (string, error) {
	if opts.Sudo {
		cmd := fmt.Sprintf("test -f %[1]s && sha256sum -- %[1]s || true", transport.ShellQuote(path))
		result, err := t.Run(ctx, cmd, opts)
		if err != nil {
			return "", err
		}
		fields := strings.Fields(result.Stdout)
		if len(fields) == 0 {
			return "", nil
		}
		return fields[0], nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", transport.NewError("checksum", "localhost",
			fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", transport.NewError("checksum", "localhost",
			fmt.Errorf("failed to hash %s: %w", path, err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
