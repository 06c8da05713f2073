package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/droverops/drover/pkg/transport"
)

// sftpConn returns the SFTP subsystem client, opening it on first use.
func (c *Client) sftpConn() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, transport.NewError("sftp", c.config.Host, fmt.Errorf("not connected"))
	}
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, transport.NewTemporaryError("sftp", c.config.Host,
			fmt.Errorf("failed to open sftp subsystem: %w", err))
	}
	c.sftpClient = client
	return client, nil
}

// Upload writes src to remote path with the given mode, creating parent
// directories as needed. Writes happen with the connecting user's
// privileges; callers that need a root-owned destination upload to a
// staging path and move the file with a privileged command.
func (c *Client) Upload(ctx context.Context, src io.Reader, remotePath string, mode fs.FileMode) error {
	client, err := c.sftpConn()
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return transport.NewError("upload", c.config.Host,
				fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return transport.NewError("upload", c.config.Host,
			fmt.Errorf("failed to create %s: %w", remotePath, err))
	}

	written, err := copyWithContext(ctx, f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return transport.NewError("upload", c.config.Host,
			fmt.Errorf("failed to write %s: %w", remotePath, err))
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return transport.NewError("upload", c.config.Host,
			fmt.Errorf("failed to chmod %s: %w", remotePath, err))
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("path", remotePath).
		Int64("bytes", written).
		Msg("uploaded file")
	return nil
}

// Download reads the remote file at path.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpConn()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, transport.NewError("download", c.config.Host,
			fmt.Errorf("failed to open %s: %w", remotePath, err))
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, transport.NewError("download", c.config.Host,
			fmt.Errorf("failed to read %s: %w", remotePath, err))
	}
	return buf.Bytes(), nil
}

// Checksum returns the hex SHA-256 of the remote file, or an empty string
// when the file does not exist. It shells out rather than reading the file
// back so that opts.Sudo can reach files the connecting user cannot.
func (c *Client) Checksum(ctx context.Context, remotePath string, opts transport.Options) (string, error) {
	cmd := fmt.Sprintf("test -f %[1]s && sha256sum -- %[1]s || true", transport.ShellQuote(remotePath))
	result, err := c.Run(ctx, cmd, opts)
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", transport.NewError("checksum", c.config.Host,
			fmt.Errorf("sha256sum exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
	}

	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// copyWithContext copies src to dst in chunks, checking for cancellation
// between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
