// Package transport defines how drover reaches managed hosts.
//
// A Transport carries shell commands and files to a single host. The SSH
// implementation in transport/ssh is the normal path; transport/local runs
// against the control machine itself and backs localhost plays and
// delegated steps.
//
// Command execution has one deliberate convention: a command that runs to
// completion is never an error, whatever its exit code. Run returns a
// Result with ExitCode set and a nil error, and the caller decides what a
// non-zero exit means. Errors are reserved for transport failures:
// connection loss, session setup, file I/O, and context cancellation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Transport executes commands and moves files on one host. Implementations
// must be safe for concurrent use; the engine runs hosts in parallel but
// issues at most one command per host at a time.
type Transport interface {
	// Connect establishes the underlying connection. It must be called
	// before any other operation and is a no-op if already connected.
	Connect(ctx context.Context) error

	// Run executes cmd through the remote shell and waits for it to
	// finish. A completed command returns a Result and nil error even
	// when the exit code is non-zero.
	Run(ctx context.Context, cmd string, opts Options) (*Result, error)

	// Detach launches cmd on the host without waiting for it to finish.
	// The command is disowned from the session; once dispatch succeeds
	// its outcome is not observable through the transport.
	Detach(ctx context.Context, cmd string, opts Options) error

	// Upload writes src to path on the host with the given mode,
	// creating parent directories as needed. It writes with the
	// privileges of the connecting user.
	Upload(ctx context.Context, src io.Reader, path string, mode fs.FileMode) error

	// Download reads the file at path on the host.
	Download(ctx context.Context, path string) ([]byte, error)

	// Checksum returns the hex SHA-256 of the file at path, or an empty
	// string if the file does not exist.
	Checksum(ctx context.Context, path string, opts Options) (string, error)

	// Close tears down the connection. It is safe to call multiple times.
	Close() error
}

// Options adjusts how a single command runs.
type Options struct {
	// Sudo runs the command as root. The sudo password, if one is
	// needed, is part of the transport configuration, not the request.
	Sudo bool

	// Env sets additional environment variables for the command.
	Env map[string]string

	// Stdin is fed to the command's standard input.
	Stdin string
}

// Result is the outcome of a completed command.
type Result struct {
	Cmd      string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Out returns stdout with surrounding whitespace trimmed.
func (r *Result) Out() string {
	return strings.TrimSpace(r.Stdout)
}

// Error records a transport-level failure and the operation that caused it.
type Error struct {
	Op   string // failing operation: "connect", "exec", "upload", ...
	Host string // target host, if known
	Err  error

	// Temporary marks failures of a transient nature, such as timeouts
	// and connection resets. drover does not retry; the flag only feeds
	// error classification and reporting.
	Temporary bool

	// Auth marks authentication and authorization failures.
	Auth bool
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a transport failure for op against host.
func NewError(op, host string, err error) *Error {
	return &Error{Op: op, Host: host, Err: err}
}

// NewTemporaryError wraps err as a transient transport failure.
func NewTemporaryError(op, host string, err error) *Error {
	return &Error{Op: op, Host: host, Err: err, Temporary: true}
}

// NewAuthError wraps err as an authentication failure.
func NewAuthError(op, host string, err error) *Error {
	return &Error{Op: op, Host: host, Err: err, Auth: true}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Auth
}

// IsTemporary reports whether err is a transient transport failure.
func IsTemporary(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Temporary
}

// ShellQuote wraps s in single quotes so the remote shell treats it as one
// literal word. Embedded single quotes are closed, escaped, and reopened.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Command assembles the shell line and stdin payload for cmd under opts.
// Environment variables are applied through env(1) so they reach every part
// of a compound command, and sudo always wraps the command in sh -c for the
// same reason. With a sudo password, sudo reads it from the first line of
// stdin (-S with an empty prompt); without one, -n demands a NOPASSWD rule
// rather than hanging on a prompt.
func Command(cmd string, opts Options, sudoPassword string) (line string, stdin string) {
	line = cmd

	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString("env")
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(ShellQuote(k + "=" + opts.Env[k]))
		}
		b.WriteString(" sh -c ")
		b.WriteString(ShellQuote(cmd))
		line = b.String()
	}

	stdin = opts.Stdin
	if opts.Sudo {
		if sudoPassword != "" {
			line = "sudo -S -p '' sh -c " + ShellQuote(line)
			stdin = sudoPassword + "\n" + opts.Stdin
		} else {
			line = "sudo -n sh -c " + ShellQuote(line)
		}
	}
	return line, stdin
}

// DetachCommand wraps cmd so the remote shell starts it and returns
// immediately. nohup plus the redirections cut every tie to the session, so
// the process survives the SIGHUP sent when the session closes.
func DetachCommand(cmd string) string {
	return "nohup sh -c " + ShellQuote(cmd) + " >/dev/null 2>&1 </dev/null &"
}
