package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// userParams are the parameters of the user module.
type userParams struct {
	Name       string     `yaml:"name"`
	State      string     `yaml:"state"`
	Groups     StringList `yaml:"groups"`
	Append     bool       `yaml:"append"`
	Shell      string     `yaml:"shell"`
	Home       string     `yaml:"home"`
	CreateHome *bool      `yaml:"create_home"`
	Comment    string     `yaml:"comment"`
	Password   string     `yaml:"password"`
	System     bool       `yaml:"system"`
	Remove     bool       `yaml:"remove"`
}

type userModule struct {
	params userParams
}

func newUser(node *yaml.Node) (Module, error) {
	var p userParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if p.State == "" {
		p.State = "present"
	}
	if p.State != "present" && p.State != "absent" {
		return nil, fmt.Errorf("state must be present or absent, got %q", p.State)
	}
	return &userModule{params: p}, nil
}

func (m *userModule) Name() string { return "user" }

// passwdEntry is the parsed getent output for an existing account.
type passwdEntry struct {
	shell string
	home  string
	gecos string
}

func (m *userModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	entry, exists, err := m.lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	if m.params.State == "absent" {
		if !exists {
			return unchanged(fmt.Sprintf("user %s not present", m.params.Name)), nil
		}
		if req.CheckMode {
			return changed(fmt.Sprintf("would remove user %s", m.params.Name)), nil
		}
		cmd := "userdel"
		if m.params.Remove {
			cmd += " -r"
		}
		if err := runChecked(ctx, req, fmt.Sprintf("%s %s", cmd, transport.ShellQuote(m.params.Name))); err != nil {
			return nil, err
		}
		return changed(fmt.Sprintf("removed user %s", m.params.Name)), nil
	}

	if !exists {
		return m.create(ctx, req)
	}
	return m.reconcile(ctx, req, entry)
}

func (m *userModule) lookup(ctx context.Context, req *Request) (*passwdEntry, bool, error) {
	res, err := req.Run(ctx, "getent passwd "+transport.ShellQuote(m.params.Name))
	if err != nil {
		return nil, false, err
	}
	if !res.Success() {
		return nil, false, nil
	}
	fields := strings.Split(strings.TrimSpace(res.Stdout), ":")
	if len(fields) < 7 {
		return nil, false, fmt.Errorf("unexpected getent output %q", res.Out())
	}
	return &passwdEntry{gecos: fields[4], home: fields[5], shell: fields[6]}, true, nil
}

func (m *userModule) create(ctx context.Context, req *Request) (*Result, error) {
	if req.CheckMode {
		return changed(fmt.Sprintf("would create user %s", m.params.Name)), nil
	}

	args := []string{"useradd"}
	if m.params.System {
		args = append(args, "-r")
	}
	if m.params.CreateHome == nil || *m.params.CreateHome {
		args = append(args, "-m")
	} else {
		args = append(args, "-M")
	}
	if m.params.Shell != "" {
		args = append(args, "-s", transport.ShellQuote(m.params.Shell))
	}
	if m.params.Home != "" {
		args = append(args, "-d", transport.ShellQuote(m.params.Home))
	}
	if m.params.Comment != "" {
		args = append(args, "-c", transport.ShellQuote(m.params.Comment))
	}
	if len(m.params.Groups) > 0 {
		args = append(args, "-G", transport.ShellQuote(strings.Join(m.params.Groups, ",")))
	}
	args = append(args, transport.ShellQuote(m.params.Name))
	if err := runChecked(ctx, req, strings.Join(args, " ")); err != nil {
		return nil, err
	}

	if m.params.Password != "" {
		if err := m.setPassword(ctx, req); err != nil {
			return nil, err
		}
	}
	return changed(fmt.Sprintf("created user %s", m.params.Name)), nil
}

func (m *userModule) reconcile(ctx context.Context, req *Request, entry *passwdEntry) (*Result, error) {
	var actions []string

	if m.params.Shell != "" && m.params.Shell != entry.shell {
		actions = append(actions, "shell")
		if !req.CheckMode {
			cmd := fmt.Sprintf("usermod -s %s %s", transport.ShellQuote(m.params.Shell), transport.ShellQuote(m.params.Name))
			if err := runChecked(ctx, req, cmd); err != nil {
				return nil, err
			}
		}
	}

	if len(m.params.Groups) > 0 {
		drift, err := m.groupsDrift(ctx, req)
		if err != nil {
			return nil, err
		}
		if drift {
			actions = append(actions, "groups")
			if !req.CheckMode {
				flag := "-G"
				if m.params.Append {
					flag = "-aG"
				}
				cmd := fmt.Sprintf("usermod %s %s %s", flag,
					transport.ShellQuote(strings.Join(m.params.Groups, ",")), transport.ShellQuote(m.params.Name))
				if err := runChecked(ctx, req, cmd); err != nil {
					return nil, err
				}
			}
		}
	}

	if m.params.Password != "" {
		drift, err := m.passwordDrift(ctx, req)
		if err != nil {
			return nil, err
		}
		if drift {
			actions = append(actions, "password")
			if !req.CheckMode {
				if err := m.setPassword(ctx, req); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(actions) == 0 {
		return unchanged(fmt.Sprintf("user %s up to date", m.params.Name)), nil
	}
	verb := "updated"
	if req.CheckMode {
		verb = "would update"
	}
	return changed(fmt.Sprintf("%s %s for user %s", verb, strings.Join(actions, ", "), m.params.Name)), nil
}

// groupsDrift compares the desired supplementary groups against the
// account's current ones. With append, missing groups are drift; without
// it, any difference is.
func (m *userModule) groupsDrift(ctx context.Context, req *Request) (bool, error) {
	res, err := req.Run(ctx, "id -nG "+transport.ShellQuote(m.params.Name))
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, fmt.Errorf("id %s: %s", m.params.Name, strings.TrimSpace(res.Stderr))
	}
	current := make(map[string]bool)
	for _, g := range strings.Fields(res.Stdout) {
		current[g] = true
	}

	if m.params.Append {
		for _, g := range m.params.Groups {
			if !current[g] {
				return true, nil
			}
		}
		return false, nil
	}

	// The primary group (named after the user) is implicit and not
	// managed here.
	delete(current, m.params.Name)
	want := append([]string{}, m.params.Groups...)
	have := make([]string, 0, len(current))
	for g := range current {
		have = append(have, g)
	}
	sort.Strings(want)
	sort.Strings(have)
	return strings.Join(want, ",") != strings.Join(have, ","), nil
}

// passwordDrift compares the declared crypted password with the shadow
// entry.
func (m *userModule) passwordDrift(ctx context.Context, req *Request) (bool, error) {
	cmd := fmt.Sprintf("getent shadow %s | cut -d: -f2", transport.ShellQuote(m.params.Name))
	res, err := req.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, fmt.Errorf("read shadow entry for %s: %s", m.params.Name, strings.TrimSpace(res.Stderr))
	}
	return res.Out() != m.params.Password, nil
}

func (m *userModule) setPassword(ctx context.Context, req *Request) error {
	opts := req.Options()
	opts.Stdin = fmt.Sprintf("%s:%s\n", m.params.Name, m.params.Password)
	res, err := req.Transport.Run(ctx, "chpasswd -e", opts)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("chpasswd: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}
