package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/playbook"
	"github.com/droverops/drover/pkg/transport"
)

// fileParams are shared by the copy and template modules.
type fileParams struct {
	Src      string `yaml:"src"`
	Content  string `yaml:"content"`
	Dest     string `yaml:"dest"`
	Mode     string `yaml:"mode"`
	Owner    string `yaml:"owner"`
	Group    string `yaml:"group"`
	Backup   bool   `yaml:"backup"`
	Validate string `yaml:"validate"`
}

type copyModule struct {
	params fileParams
}

func newCopy(node *yaml.Node) (Module, error) {
	var p fileParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Dest == "" {
		return nil, fmt.Errorf("dest is required")
	}
	if p.Src == "" && p.Content == "" {
		return nil, fmt.Errorf("either src or content is required")
	}
	if p.Src != "" && p.Content != "" {
		return nil, fmt.Errorf("src and content are mutually exclusive")
	}
	return &copyModule{params: p}, nil
}

func (m *copyModule) Name() string { return "copy" }

func (m *copyModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	content := m.params.Content
	if m.params.Src != "" {
		raw, err := os.ReadFile(resolveSrc(req.BaseDir, m.params.Src))
		if err != nil {
			return nil, fmt.Errorf("read src: %w", err)
		}
		content = string(raw)
	}
	return ensureFile(ctx, req, content, m.params)
}

type templateModule struct {
	params fileParams
}

func newTemplate(node *yaml.Node) (Module, error) {
	var p fileParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Src == "" {
		return nil, fmt.Errorf("src is required")
	}
	if p.Dest == "" {
		return nil, fmt.Errorf("dest is required")
	}
	if p.Content != "" {
		return nil, fmt.Errorf("content is not a template parameter, use copy")
	}
	return &templateModule{params: p}, nil
}

func (m *templateModule) Name() string { return "template" }

func (m *templateModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	raw, err := os.ReadFile(resolveSrc(req.BaseDir, m.params.Src))
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	content, err := playbook.NewRenderer().Render(string(raw), req.Scope)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", m.params.Src, err)
	}
	return ensureFile(ctx, req, content, m.params)
}

func resolveSrc(baseDir, src string) string {
	if filepath.IsAbs(src) || baseDir == "" {
		return src
	}
	return filepath.Join(baseDir, src)
}

// ensureFile reconciles dest toward content plus the requested mode and
// ownership, touching the host only on drift.
func ensureFile(ctx context.Context, req *Request, content string, p fileParams) (*Result, error) {
	sum := sha256.Sum256([]byte(content))
	want := hex.EncodeToString(sum[:])

	have, err := req.Transport.Checksum(ctx, p.Dest, req.Options())
	if err != nil {
		return nil, err
	}

	if have == want {
		attrsChanged, err := ensureAttrs(ctx, req, p)
		if err != nil {
			return nil, err
		}
		if attrsChanged {
			if req.CheckMode {
				return changed(fmt.Sprintf("would adjust permissions on %s", p.Dest)), nil
			}
			return changed(fmt.Sprintf("adjusted permissions on %s", p.Dest)), nil
		}
		return unchanged(fmt.Sprintf("%s up to date", p.Dest)), nil
	}

	if req.CheckMode {
		return &Result{
			Changed: true,
			Msg:     fmt.Sprintf("would write %s", p.Dest),
			Data:    map[string]any{"checksum": want},
		}, nil
	}

	err = writeRemoteFile(ctx, req, p.Dest, content, writeOptions{
		Mode:     p.Mode,
		Owner:    p.Owner,
		Group:    p.Group,
		Validate: p.Validate,
		Backup:   p.Backup,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("wrote %s", p.Dest),
		Data:    map[string]any{"checksum": want},
	}, nil
}

// ensureAttrs reconciles mode and ownership on an already-correct file.
// In check mode it only reports the drift.
func ensureAttrs(ctx context.Context, req *Request, p fileParams) (bool, error) {
	if p.Mode == "" && p.Owner == "" && p.Group == "" {
		return false, nil
	}
	res, err := req.Run(ctx, "stat -c '%a %U %G' -- "+transport.ShellQuote(p.Dest))
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, fmt.Errorf("stat %s: %s", p.Dest, strings.TrimSpace(res.Stderr))
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 3 {
		return false, fmt.Errorf("stat %s: unexpected output %q", p.Dest, res.Out())
	}

	drifted := false
	if p.Mode != "" && strings.TrimLeft(p.Mode, "0") != strings.TrimLeft(fields[0], "0") {
		drifted = true
		if !req.CheckMode {
			if err := runChecked(ctx, req, fmt.Sprintf("chmod %s -- %s", p.Mode, transport.ShellQuote(p.Dest))); err != nil {
				return false, err
			}
		}
	}
	if (p.Owner != "" && p.Owner != fields[1]) || (p.Group != "" && p.Group != fields[2]) {
		drifted = true
		if !req.CheckMode {
			spec := p.Owner
			if p.Group != "" {
				spec += ":" + p.Group
			}
			if err := runChecked(ctx, req, fmt.Sprintf("chown %s -- %s", spec, transport.ShellQuote(p.Dest))); err != nil {
				return false, err
			}
		}
	}
	return drifted, nil
}

func runChecked(ctx context.Context, req *Request, cmd string) error {
	res, err := req.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%s: %s", res.Cmd, strings.TrimSpace(res.Stderr))
	}
	return nil
}
