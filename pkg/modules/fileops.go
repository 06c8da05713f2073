package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/droverops/drover/pkg/transport"
)

// remoteFileExists probes for path on the host.
func remoteFileExists(ctx context.Context, req *Request, path string) (bool, error) {
	res, err := req.Run(ctx, "test -e "+transport.ShellQuote(path))
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// readRemoteFile returns the file's content. The second return reports
// whether the file exists; a missing file is not an error.
func readRemoteFile(ctx context.Context, req *Request, path string) (string, bool, error) {
	exists, err := remoteFileExists(ctx, req, path)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}
	res, err := req.Run(ctx, "cat -- "+transport.ShellQuote(path))
	if err != nil {
		return "", true, err
	}
	if !res.Success() {
		return "", true, fmt.Errorf("read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, true, nil
}

// writeOptions control how writeRemoteFile installs the staged content.
type writeOptions struct {
	// Mode is an octal string such as "0644". Empty keeps the
	// destination's current mode for existing files and falls back to
	// 0644 for new ones.
	Mode string

	// Owner and Group are applied when non-empty.
	Owner string
	Group string

	// Validate is a command run against the staged copy before it is
	// installed; %s is replaced with the staging path. A failing
	// validate blocks the write.
	Validate string

	// Backup copies the destination aside before overwriting it.
	Backup bool
}

// writeRemoteFile uploads content to a staging path, optionally
// validates it there, and installs it over dest. The destination is
// never touched by a failed validate.
func writeRemoteFile(ctx context.Context, req *Request, dest, content string, opts writeOptions) error {
	staging := "/tmp/drover-" + uuid.NewString()

	if err := req.Transport.Upload(ctx, strings.NewReader(content), staging, 0o600); err != nil {
		return fmt.Errorf("stage %s: %w", dest, err)
	}
	defer func() {
		res, err := req.Run(ctx, "rm -f -- "+transport.ShellQuote(staging))
		if err != nil || !res.Success() {
			log.Debug().Str("path", staging).Msg("failed to remove staging file")
		}
	}()

	if opts.Validate != "" {
		cmd := strings.ReplaceAll(opts.Validate, "%s", transport.ShellQuote(staging))
		res, err := req.Run(ctx, cmd)
		if err != nil {
			return fmt.Errorf("validate %s: %w", dest, err)
		}
		if !res.Success() {
			detail := strings.TrimSpace(res.Stderr)
			if detail == "" {
				detail = strings.TrimSpace(res.Stdout)
			}
			return fmt.Errorf("%w for %s: %s", ErrValidation, dest, detail)
		}
	}

	exists, err := remoteFileExists(ctx, req, dest)
	if err != nil {
		return err
	}

	if opts.Backup && exists {
		res, err := req.Run(ctx, fmt.Sprintf("cp -p -- %s %s", transport.ShellQuote(dest), transport.ShellQuote(dest+".bak")))
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("backup %s: %s", dest, strings.TrimSpace(res.Stderr))
		}
	}

	var install string
	switch {
	case opts.Mode == "" && exists:
		// Overwriting in place keeps the destination's mode and owner.
		install = fmt.Sprintf("cp -- %s %s", transport.ShellQuote(staging), transport.ShellQuote(dest))
	default:
		mode := opts.Mode
		if mode == "" {
			mode = "0644"
		}
		args := []string{"install", "-m", mode}
		if opts.Owner != "" {
			args = append(args, "-o", opts.Owner)
		}
		if opts.Group != "" {
			args = append(args, "-g", opts.Group)
		}
		args = append(args, "--", transport.ShellQuote(staging), transport.ShellQuote(dest))
		install = strings.Join(args, " ")
	}

	res, err := req.Run(ctx, install)
	if err != nil {
		return fmt.Errorf("install %s: %w", dest, err)
	}
	if !res.Success() {
		return fmt.Errorf("install %s: %s", dest, strings.TrimSpace(res.Stderr))
	}

	// cp keeps the old owner; apply requested ownership separately.
	if opts.Mode == "" && exists && (opts.Owner != "" || opts.Group != "") {
		spec := opts.Owner
		if opts.Group != "" {
			spec += ":" + opts.Group
		}
		res, err := req.Run(ctx, fmt.Sprintf("chown %s -- %s", spec, transport.ShellQuote(dest)))
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("chown %s: %s", dest, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// removeRemoteFile deletes path if present and reports whether it did.
func removeRemoteFile(ctx context.Context, req *Request, path string) (bool, error) {
	exists, err := remoteFileExists(ctx, req, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if req.CheckMode {
		return true, nil
	}
	res, err := req.Run(ctx, "rm -f -- "+transport.ShellQuote(path))
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, fmt.Errorf("remove %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return true, nil
}
