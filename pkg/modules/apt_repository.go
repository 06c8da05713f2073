package modules

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// aptRepositoryParams are the parameters of the apt_repository module.
type aptRepositoryParams struct {
	Repo        string `yaml:"repo"`
	Filename    string `yaml:"filename"`
	State       string `yaml:"state"`
	KeyURL      string `yaml:"key_url"`
	Keyring     string `yaml:"keyring"`
	UpdateCache *bool  `yaml:"update_cache"`
}

type aptRepositoryModule struct {
	params aptRepositoryParams
}

func newAptRepository(node *yaml.Node) (Module, error) {
	var p aptRepositoryParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Repo == "" {
		return nil, fmt.Errorf("repo is required")
	}
	if p.State == "" {
		p.State = "present"
	}
	if p.State != "present" && p.State != "absent" {
		return nil, fmt.Errorf("state must be present or absent, got %q", p.State)
	}
	if p.Filename == "" {
		p.Filename = repoFilename(p.Repo)
	}
	if p.KeyURL != "" && p.Keyring == "" {
		base := strings.TrimSuffix(p.Filename, ".list")
		p.Keyring = "/usr/share/keyrings/" + base + ".gpg"
	}
	return &aptRepositoryModule{params: p}, nil
}

func (m *aptRepositoryModule) Name() string { return "apt_repository" }

// repoFilename derives a sources.list.d file name from the repo line,
// using the archive host and suite.
func repoFilename(repo string) string {
	name := "drover"
	fields := strings.Fields(repo)
	for i, f := range fields {
		if strings.Contains(f, "://") {
			trimmed := strings.TrimSuffix(strings.SplitN(f, "://", 2)[1], "/")
			name = strings.NewReplacer("/", "_", ".", "_").Replace(trimmed)
			if i+1 < len(fields) {
				name += "_" + fields[i+1]
			}
			break
		}
	}
	return name + ".list"
}

func (m *aptRepositoryModule) listPath() string {
	name := m.params.Filename
	if !strings.HasSuffix(name, ".list") {
		name += ".list"
	}
	return path.Join("/etc/apt/sources.list.d", name)
}

func (m *aptRepositoryModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	if m.params.State == "absent" {
		removed, err := removeRemoteFile(ctx, req, m.listPath())
		if err != nil {
			return nil, err
		}
		if !removed {
			return unchanged("repository not configured"), nil
		}
		if req.CheckMode {
			return changed("would remove " + m.listPath()), nil
		}
		return changed("removed " + m.listPath()), nil
	}

	keyChanged, err := m.ensureKey(ctx, req)
	if err != nil {
		return nil, err
	}

	dest := m.listPath()
	want := m.params.Repo + "\n"
	current, exists, err := readRemoteFile(ctx, req, dest)
	if err != nil {
		return nil, err
	}
	if exists && current == want {
		if keyChanged {
			return changed("imported signing key"), nil
		}
		return unchanged("repository already configured"), nil
	}
	if req.CheckMode {
		return changed("would configure " + dest), nil
	}

	if err := writeRemoteFile(ctx, req, dest, want, writeOptions{Mode: "0644"}); err != nil {
		return nil, err
	}
	if m.params.UpdateCache == nil || *m.params.UpdateCache {
		res, err := req.Transport.Run(ctx, "apt-get update", aptOptions(req))
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, fmt.Errorf("apt-get update: %s", strings.TrimSpace(res.Stderr))
		}
	}
	return changed("configured " + dest), nil
}

// ensureKey fetches and dearmors the signing key when a key_url is set
// and the keyring is not already in place.
func (m *aptRepositoryModule) ensureKey(ctx context.Context, req *Request) (bool, error) {
	if m.params.KeyURL == "" {
		return false, nil
	}
	exists, err := remoteFileExists(ctx, req, m.params.Keyring)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if req.CheckMode {
		return true, nil
	}
	cmd := fmt.Sprintf("curl -fsSL %s | gpg --dearmor -o %s",
		transport.ShellQuote(m.params.KeyURL), transport.ShellQuote(m.params.Keyring))
	res, err := req.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, fmt.Errorf("import key %s: %s", m.params.KeyURL, strings.TrimSpace(res.Stderr))
	}
	return true, nil
}
