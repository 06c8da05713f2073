package modules

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// sshKeygenParams are the parameters of the ssh_keygen module.
type sshKeygenParams struct {
	Path    string `yaml:"path"`
	Type    string `yaml:"type"`
	Bits    int    `yaml:"bits"`
	Comment string `yaml:"comment"`
}

// sshKeygenModule regenerates a key pair on every run. Rotation is the
// point: an existing key is discarded, never reused, so this module is
// always a change.
type sshKeygenModule struct {
	params sshKeygenParams
}

func newSSHKeygen(node *yaml.Node) (Module, error) {
	var p sshKeygenParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		p.Path = "~/.ssh/id_rsa"
	}
	if p.Type == "" {
		p.Type = "rsa"
	}
	switch p.Type {
	case "rsa", "ed25519", "ecdsa":
	default:
		return nil, fmt.Errorf("type must be rsa, ed25519 or ecdsa, got %q", p.Type)
	}
	if p.Bits == 0 && p.Type == "rsa" {
		p.Bits = 4096
	}
	return &sshKeygenModule{params: p}, nil
}

func (m *sshKeygenModule) Name() string { return "ssh_keygen" }

func (m *sshKeygenModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	if req.CheckMode {
		return changed(fmt.Sprintf("would regenerate %s", m.params.Path)), nil
	}

	// The path may use ~, so it is deliberately left unquoted for the
	// remote shell to expand. Spaces in key paths are not supported.
	if strings.ContainsAny(m.params.Path, " '\"") {
		return nil, fmt.Errorf("path must not contain spaces or quotes")
	}
	keyPath := m.params.Path

	args := []string{
		"rm -f", keyPath, keyPath + ".pub", "&&",
		"ssh-keygen -q -N ''",
		"-t", m.params.Type,
		"-f", keyPath,
	}
	if m.params.Bits > 0 {
		args = append(args, "-b", fmt.Sprint(m.params.Bits))
	}
	if m.params.Comment != "" {
		args = append(args, "-C", transport.ShellQuote(m.params.Comment))
	}
	if err := runChecked(ctx, req, strings.Join(args, " ")); err != nil {
		return nil, err
	}

	pub, err := req.Run(ctx, "cat "+keyPath+".pub")
	if err != nil {
		return nil, err
	}
	if !pub.Success() {
		return nil, fmt.Errorf("read %s.pub: %s", keyPath, strings.TrimSpace(pub.Stderr))
	}
	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("regenerated %s", m.params.Path),
		Data:    map[string]any{"public_key": pub.Out()},
	}, nil
}
