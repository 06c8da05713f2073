package modules

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// waitForParams are the parameters of the wait_for module.
type waitForParams struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	Timeout        int    `yaml:"timeout"`
	Delay          int    `yaml:"delay"`
	Sleep          int    `yaml:"sleep"`
	ConnectTimeout int    `yaml:"connect_timeout"`
}

// waitForModule polls from the target host until a port accepts
// connections or a path exists. It observes state without changing it.
type waitForModule struct {
	params waitForParams
}

func newWaitFor(node *yaml.Node) (Module, error) {
	var p waitForParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Port == 0 && p.Path == "" {
		return nil, fmt.Errorf("either port or path is required")
	}
	if p.Port != 0 && p.Path != "" {
		return nil, fmt.Errorf("port and path are mutually exclusive")
	}
	if p.Port != 0 && (p.Port < 1 || p.Port > 65535) {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}
	if p.Host == "" {
		p.Host = "127.0.0.1"
	}
	if p.Timeout == 0 {
		p.Timeout = 300
	}
	if p.Sleep == 0 {
		p.Sleep = 1
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 5
	}
	return &waitForModule{params: p}, nil
}

func (m *waitForModule) Name() string { return "wait_for" }

func (m *waitForModule) probe() string {
	if m.params.Path != "" {
		return "test -e " + transport.ShellQuote(m.params.Path)
	}
	// bash's /dev/tcp needs no extra tooling on the host.
	return fmt.Sprintf("timeout %d bash -c 'exec 3<>/dev/tcp/%s/%d' 2>/dev/null",
		m.params.ConnectTimeout, m.params.Host, m.params.Port)
}

func (m *waitForModule) target() string {
	if m.params.Path != "" {
		return m.params.Path
	}
	return fmt.Sprintf("%s:%d", m.params.Host, m.params.Port)
}

func (m *waitForModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	if req.CheckMode {
		return unchanged(fmt.Sprintf("would wait for %s", m.target())), nil
	}

	if m.params.Delay > 0 {
		select {
		case <-time.After(time.Duration(m.params.Delay) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	deadline := time.Now().Add(time.Duration(m.params.Timeout) * time.Second)
	probe := m.probe()
	attempts := 0
	for {
		attempts++
		res, err := req.Run(ctx, probe)
		if err != nil {
			return nil, err
		}
		if res.Success() {
			return &Result{
				Msg:  fmt.Sprintf("%s is ready", m.target()),
				Data: map[string]any{"attempts": attempts},
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %ds waiting for %s", m.params.Timeout, m.target())
		}
		select {
		case <-time.After(time.Duration(m.params.Sleep) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
