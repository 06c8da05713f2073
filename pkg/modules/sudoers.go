package modules

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// sudoersParams are the parameters of the sudoers module.
type sudoersParams struct {
	User     string     `yaml:"user"`
	State    string     `yaml:"state"`
	NoPasswd bool       `yaml:"nopasswd"`
	Commands StringList `yaml:"commands"`
	RunAs    string     `yaml:"runas"`
	Filename string     `yaml:"filename"`
}

type sudoersModule struct {
	params sudoersParams
}

func newSudoers(node *yaml.Node) (Module, error) {
	var p sudoersParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if p.State == "" {
		p.State = "present"
	}
	if p.State != "present" && p.State != "absent" {
		return nil, fmt.Errorf("state must be present or absent, got %q", p.State)
	}
	if p.RunAs == "" {
		p.RunAs = "ALL:ALL"
	}
	if len(p.Commands) == 0 {
		p.Commands = StringList{"ALL"}
	}
	if p.Filename == "" {
		p.Filename = p.User
	}
	if strings.ContainsAny(p.Filename, "/.") {
		// sudo skips file names containing dots, which silently
		// disables the rule.
		return nil, fmt.Errorf("filename must not contain %q or %q", "/", ".")
	}
	return &sudoersModule{params: p}, nil
}

func (m *sudoersModule) Name() string { return "sudoers" }

func (m *sudoersModule) path() string {
	return path.Join("/etc/sudoers.d", m.params.Filename)
}

// rule renders the sudoers line for the declared grant.
func (m *sudoersModule) rule() string {
	tag := ""
	if m.params.NoPasswd {
		tag = "NOPASSWD: "
	}
	return fmt.Sprintf("%s ALL=(%s) %s%s\n", m.params.User, m.params.RunAs, tag, strings.Join(m.params.Commands, ", "))
}

func (m *sudoersModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	dest := m.path()

	if m.params.State == "absent" {
		removed, err := removeRemoteFile(ctx, req, dest)
		if err != nil {
			return nil, err
		}
		if !removed {
			return unchanged(fmt.Sprintf("no sudoers rule for %s", m.params.User)), nil
		}
		verb := "removed"
		if req.CheckMode {
			verb = "would remove"
		}
		return changed(fmt.Sprintf("%s %s", verb, dest)), nil
	}

	want := m.rule()
	current, exists, err := readRemoteFile(ctx, req, dest)
	if err != nil {
		return nil, err
	}
	if exists && current == want {
		return unchanged(fmt.Sprintf("sudoers rule for %s up to date", m.params.User)), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would write %s", dest)), nil
	}

	// visudo vets the staged copy before it lands; a bad rule must
	// never reach /etc/sudoers.d.
	err = writeRemoteFile(ctx, req, dest, want, writeOptions{
		Mode:     "0440",
		Owner:    "root",
		Group:    "root",
		Validate: "visudo -c -f %s",
	})
	if err != nil {
		return nil, err
	}
	return changed(fmt.Sprintf("wrote %s", dest)), nil
}
