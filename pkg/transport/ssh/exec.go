package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/droverops/drover/pkg/transport"
)

// Run executes cmd in a fresh session and waits for it to finish. Commands
// that complete with a non-zero exit code return a Result and a nil error;
// only transport failures and context cancellation are errors.
func (c *Client) Run(ctx context.Context, cmd string, opts transport.Options) (*transport.Result, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}

	// Fall back to the configured command timeout when the caller has
	// not bounded the context itself.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, transport.NewTemporaryError("exec", c.config.Host, fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	line, stdin := transport.Command(cmd, opts, c.config.SudoPassword)
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	log.Debug().
		Str("host", c.config.Host).
		Str("cmd", cmd).
		Bool("sudo", opts.Sudo).
		Msg("executing command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		// Ask politely first, then force it. Closing the session in the
		// deferred call tears the channel down either way.
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, transport.NewTemporaryError("exec", c.config.Host,
			fmt.Errorf("command %q: %w", cmd, ctx.Err()))

	case err := <-done:
		result := &transport.Result{
			Cmd:      cmd,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}

		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, transport.NewTemporaryError("exec", c.config.Host,
				fmt.Errorf("command %q: %w", cmd, err))
		}
		return result, nil
	}
}

// Detach starts cmd on the host and returns as soon as the launch shell
// exits. The command is cut loose from the session, so nothing about its
// fate is observable afterwards; a Detach error means the dispatch itself
// failed.
func (c *Client) Detach(ctx context.Context, cmd string, opts transport.Options) error {
	result, err := c.Run(ctx, transport.DetachCommand(cmd), opts)
	if err != nil {
		return err
	}
	if !result.Success() {
		return transport.NewError("detach", c.config.Host,
			fmt.Errorf("dispatch exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("cmd", cmd).
		Msg("detached command dispatched")
	return nil
}
