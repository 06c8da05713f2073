package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodKey      AuthMethod = "key"
	AuthMethodPassword AuthMethod = "password"
	AuthMethodAgent    AuthMethod = "agent"
)

// Config holds the connection settings for one host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// SudoPassword is fed to sudo -S when a privileged command runs.
	// Empty means the remote account is expected to hold a NOPASSWD rule.
	SudoPassword string

	// Host key verification. When StrictHostKeyChecking is on, the host
	// key must match an entry in KnownHostsFile. HostKeyCallback, when
	// set, overrides both.
	StrictHostKeyChecking bool
	KnownHostsFile        string
	HostKeyCallback       ssh.HostKeyCallback

	ConnectTimeout time.Duration
	// CommandTimeout bounds a single Run when the caller's context
	// carries no deadline of its own.
	CommandTimeout    time.Duration
	KeepAliveInterval time.Duration

	// Optional jump host. Auth settings for the proxy default to the
	// target's when left empty.
	ProxyHost           string
	ProxyPort           int
	ProxyUser           string
	ProxyAuthMethod     AuthMethod
	ProxyPassword       string
	ProxyPrivateKeyPath string
}

// DefaultConfig returns a Config with production defaults: key
// authentication, strict host key checking against ~/.ssh/known_hosts, and
// conservative timeouts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		StrictHostKeyChecking: true,
		KnownHostsFile:        "~/.ssh/known_hosts",
		ConnectTimeout:        30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		KeepAliveInterval:     30 * time.Second,
		ProxyPort:             22,
	}
}

// Validate checks the configuration for errors before any connection is
// attempted.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath != "" {
			if _, err := os.Stat(expandHome(c.PrivateKeyPath)); err != nil {
				return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
			}
		}
	case AuthMethodAgent:
		// Checked at connect time against SSH_AUTH_SOCK.
	default:
		return fmt.Errorf("unknown auth method: %s", c.AuthMethod)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when a proxy host is set")
		}
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
	}

	return nil
}

// Address returns the host:port dial target.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyAddress returns the proxy dial target, or an empty string when no
// proxy is configured.
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}

// IsProxyEnabled reports whether connections go through a jump host.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// BuildClientConfig converts the Config into an ssh.ClientConfig.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.buildAuthMethods(c.AuthMethod, c.Password, c.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.buildHostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// buildProxyClientConfig builds the client configuration for the jump host.
func (c *Config) buildProxyClientConfig() (*ssh.ClientConfig, error) {
	method := c.ProxyAuthMethod
	if method == "" {
		method = c.AuthMethod
	}
	password := c.ProxyPassword
	if password == "" {
		password = c.Password
	}
	keyPath := c.ProxyPrivateKeyPath
	if keyPath == "" {
		keyPath = c.PrivateKeyPath
	}

	auth, err := c.buildAuthMethods(method, password, keyPath)
	if err != nil {
		return nil, fmt.Errorf("proxy auth: %w", err)
	}

	hostKeyCallback, err := c.buildHostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.ProxyUser,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) buildAuthMethods(method AuthMethod, password, keyPath string) ([]ssh.AuthMethod, error) {
	switch method {
	case AuthMethodPassword:
		// Servers with PasswordAuthentication off often still accept the
		// same credential through keyboard-interactive, so offer both.
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthMethodKey:
		signer, err := c.loadSigner(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("agent auth requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		ag := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil

	default:
		return nil, fmt.Errorf("unknown auth method: %s", method)
	}
}

// loadSigner reads and parses the private key. With an empty path it probes
// the conventional key locations under ~/.ssh.
func (c *Config) loadSigner(keyPath string) (ssh.Signer, error) {
	if keyPath == "" {
		discovered, err := discoverDefaultKey()
		if err != nil {
			return nil, err
		}
		keyPath = discovered
	}

	keyBytes, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", keyPath, err)
	}

	if c.PrivateKeyPassphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
	}
	return signer, nil
}

// discoverDefaultKey returns the first usable key under ~/.ssh.
func discoverDefaultKey() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}

	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no private key found under %s", filepath.Join(home, ".ssh"))
}

func (c *Config) buildHostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKeyCallback != nil {
		return c.HostKeyCallback, nil
	}

	if !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-out
	}

	path := expandHome(c.KnownHostsFile)
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s (create it or disable strict host key checking): %w", path, err)
	}
	return callback, nil
}

// expandHome resolves a leading ~/ against the current user's home
// directory. Paths it cannot resolve are returned unchanged.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
