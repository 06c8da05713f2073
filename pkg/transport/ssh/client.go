// Package ssh implements the drover transport over SSH. It is the normal
// way drover reaches managed hosts: commands run through remote shell
// sessions and files move over SFTP on the same connection.
package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/droverops/drover/pkg/transport"
)

var _ transport.Transport = (*Client)(nil)

// Client is an SSH transport for a single host. It implements
// transport.Transport and is safe for concurrent use.
type Client struct {
	config *Config

	mu            sync.RWMutex
	client        *ssh.Client
	sftpClient    *sftp.Client
	stopKeepAlive chan struct{}
}

// New creates a client for the given configuration. The connection is not
// opened until Connect.
func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{config: config}, nil
}

type dialResult struct {
	client *ssh.Client
	err    error
}

// Connect opens the SSH connection, directly or through the configured jump
// host. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("user", c.config.User).
		Bool("proxy", c.config.IsProxyEnabled()).
		Msg("connecting")

	var client *ssh.Client
	var err error
	if c.config.IsProxyEnabled() {
		client, err = c.dialViaProxy(ctx)
	} else {
		client, err = c.dialDirect(ctx)
	}
	if err != nil {
		return err
	}

	c.client = client

	if c.config.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(client, c.stopKeepAlive)
	}

	log.Info().
		Str("host", c.config.Host).
		Str("user", c.config.User).
		Msg("connected")
	return nil
}

func (c *Client) dialDirect(ctx context.Context) (*ssh.Client, error) {
	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return nil, transport.NewError("connect", c.config.Host, err)
	}

	// ssh.Dial does not take a context, so run it aside and race the
	// context against the handshake.
	results := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		results <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go drainDial(results)
		return nil, transport.NewTemporaryError("connect", c.config.Host, ctx.Err())
	case res := <-results:
		if res.err != nil {
			return nil, classifyDialError(c.config.Host, res.err)
		}
		return res.client, nil
	}
}

func (c *Client) dialViaProxy(ctx context.Context) (*ssh.Client, error) {
	proxyConfig, err := c.config.buildProxyClientConfig()
	if err != nil {
		return nil, transport.NewError("connect", c.config.ProxyHost, err)
	}
	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return nil, transport.NewError("connect", c.config.Host, err)
	}

	results := make(chan dialResult, 1)
	go func() {
		proxy, err := ssh.Dial("tcp", c.config.ProxyAddress(), proxyConfig)
		if err != nil {
			results <- dialResult{nil, fmt.Errorf("proxy %s: %w", c.config.ProxyHost, err)}
			return
		}

		conn, err := proxy.Dial("tcp", c.config.Address())
		if err != nil {
			proxy.Close()
			results <- dialResult{nil, fmt.Errorf("dial %s via proxy: %w", c.config.Host, err)}
			return
		}

		ncc, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
		if err != nil {
			conn.Close()
			proxy.Close()
			results <- dialResult{nil, err}
			return
		}
		results <- dialResult{ssh.NewClient(ncc, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		go drainDial(results)
		return nil, transport.NewTemporaryError("connect", c.config.Host, ctx.Err())
	case res := <-results:
		if res.err != nil {
			return nil, classifyDialError(c.config.Host, res.err)
		}
		return res.client, nil
	}
}

// drainDial closes a connection that won the dial after the caller gave up.
func drainDial(results chan dialResult) {
	if res := <-results; res.client != nil {
		res.client.Close()
	}
}

// classifyDialError separates authentication failures from plain
// connectivity problems so they report differently.
func classifyDialError(host string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "handshake failed") {
		return transport.NewAuthError("connect", host, err)
	}
	return transport.NewTemporaryError("connect", host, err)
}

// keepAlive sends OpenSSH keepalive requests until stopped. A failed
// request is only logged; the next command will surface the broken
// connection as a real error.
func (c *Client) keepAlive(client *ssh.Client, stop chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().
					Str("host", c.config.Host).
					Err(err).
					Msg("keepalive failed")
				return
			}
		}
	}
}

// conn returns the live connection or an error when not connected.
func (c *Client) conn() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, transport.NewError("exec", c.config.Host, fmt.Errorf("not connected"))
	}
	return c.client, nil
}

// Connected reports whether the client currently holds an open connection.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// Host returns the configured host name.
func (c *Client) Host() string {
	return c.config.Host
}

// Close shuts the connection down. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}

	if c.sftpClient != nil {
		c.sftpClient.Close()
		c.sftpClient = nil
	}

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil

	log.Debug().Str("host", c.config.Host).Msg("disconnected")
	if err != nil {
		return transport.NewError("close", c.config.Host, err)
	}
	return nil
}
