package modules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// aptParams are the parameters of the apt module.
type aptParams struct {
	Name           StringList `yaml:"name"`
	State          string     `yaml:"state"`
	UpdateCache    bool       `yaml:"update_cache"`
	CacheValidTime int        `yaml:"cache_valid_time"`
	Purge          bool       `yaml:"purge"`
}

type aptModule struct {
	params aptParams
}

func newApt(node *yaml.Node) (Module, error) {
	var p aptParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.State == "" {
		p.State = "present"
	}
	switch p.State {
	case "present", "absent", "latest":
	default:
		return nil, fmt.Errorf("state must be present, absent or latest, got %q", p.State)
	}
	if len(p.Name) == 0 && !p.UpdateCache {
		return nil, fmt.Errorf("name is required unless update_cache is set")
	}
	return &aptModule{params: p}, nil
}

func (m *aptModule) Name() string { return "apt" }

// aptOptions layers the non-interactive frontend under the task's own
// environment so apt never blocks on a prompt.
func aptOptions(req *Request) transport.Options {
	opts := req.Options()
	env := map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	for k, v := range opts.Env {
		env[k] = v
	}
	opts.Env = env
	return opts
}

func (m *aptModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	if m.params.UpdateCache {
		if err := m.refreshCache(ctx, req); err != nil {
			return nil, err
		}
	}
	if len(m.params.Name) == 0 {
		// Cache refreshes alone never count as a change, so repeated
		// runs stay clean.
		return unchanged("cache refreshed"), nil
	}

	switch m.params.State {
	case "absent":
		return m.remove(ctx, req)
	default:
		return m.install(ctx, req)
	}
}

func (m *aptModule) refreshCache(ctx context.Context, req *Request) error {
	if m.params.CacheValidTime > 0 {
		fresh, err := m.cacheFresh(ctx, req)
		if err != nil {
			return err
		}
		if fresh {
			return nil
		}
	}
	if req.CheckMode {
		return nil
	}
	res, err := req.Transport.Run(ctx, "apt-get update", aptOptions(req))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("apt-get update: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// cacheFresh reports whether the package lists were refreshed within
// cache_valid_time seconds.
func (m *aptModule) cacheFresh(ctx context.Context, req *Request) (bool, error) {
	res, err := req.Run(ctx, "stat -c %Y /var/lib/apt/lists 2>/dev/null; date +%s")
	if err != nil {
		return false, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 2 {
		return false, nil
	}
	updated, err1 := strconv.ParseInt(fields[0], 10, 64)
	now, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return false, nil
	}
	return now-updated < int64(m.params.CacheValidTime), nil
}

// installedVersion returns the installed version of pkg, or "" when the
// package is not installed.
func installedVersion(ctx context.Context, req *Request, pkg string) (string, error) {
	cmd := fmt.Sprintf("dpkg-query -W -f='${Status} ${Version}' %s", transport.ShellQuote(pkg))
	res, err := req.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		// dpkg-query exits non-zero for unknown packages.
		return "", nil
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 4 || fields[2] != "installed" {
		return "", nil
	}
	return fields[3], nil
}

func (m *aptModule) install(ctx context.Context, req *Request) (*Result, error) {
	pending := make([]string, 0, len(m.params.Name))
	if m.params.State == "latest" {
		// Reinstalling at latest is decided by a simulation below, so
		// every name stays in scope.
		pending = append(pending, m.params.Name...)
	} else {
		for _, pkg := range m.params.Name {
			version, err := installedVersion(ctx, req, pkg)
			if err != nil {
				return nil, err
			}
			if version == "" {
				pending = append(pending, pkg)
			}
		}
		if len(pending) == 0 {
			return unchanged(fmt.Sprintf("%s already installed", strings.Join(m.params.Name, ", "))), nil
		}
	}

	quoted := make([]string, len(pending))
	for i, pkg := range pending {
		quoted[i] = transport.ShellQuote(pkg)
	}
	args := strings.Join(quoted, " ")

	// A simulation decides whether apt would do anything, which doubles
	// as the check mode answer.
	sim, err := req.Transport.Run(ctx, "apt-get -s install -y "+args, aptOptions(req))
	if err != nil {
		return nil, err
	}
	if !sim.Success() {
		return nil, fmt.Errorf("apt-get install %s: %s", strings.Join(pending, " "), strings.TrimSpace(sim.Stderr))
	}
	if !aptSimulationChanges(sim.Stdout) {
		return unchanged(fmt.Sprintf("%s already at requested state", strings.Join(m.params.Name, ", "))), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would install %s", strings.Join(pending, ", "))), nil
	}

	res, err := req.Transport.Run(ctx, "apt-get install -y "+args, aptOptions(req))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("apt-get install %s: %s", strings.Join(pending, " "), strings.TrimSpace(res.Stderr))
	}
	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("installed %s", strings.Join(pending, ", ")),
		Data:    map[string]any{"installed": pending},
	}, nil
}

// aptSimulationChanges reports whether an apt-get -s run would install,
// upgrade or remove anything.
func aptSimulationChanges(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "Inst "),
			strings.HasPrefix(line, "Conf "),
			strings.HasPrefix(line, "Remv "):
			return true
		}
	}
	return false
}

func (m *aptModule) remove(ctx context.Context, req *Request) (*Result, error) {
	pending := make([]string, 0, len(m.params.Name))
	for _, pkg := range m.params.Name {
		version, err := installedVersion(ctx, req, pkg)
		if err != nil {
			return nil, err
		}
		if version != "" {
			pending = append(pending, pkg)
		}
	}
	if len(pending) == 0 {
		return unchanged(fmt.Sprintf("%s not installed", strings.Join(m.params.Name, ", "))), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would remove %s", strings.Join(pending, ", "))), nil
	}

	action := "remove"
	if m.params.Purge {
		action = "purge"
	}
	quoted := make([]string, len(pending))
	for i, pkg := range pending {
		quoted[i] = transport.ShellQuote(pkg)
	}
	res, err := req.Transport.Run(ctx, fmt.Sprintf("apt-get %s -y %s", action, strings.Join(quoted, " ")), aptOptions(req))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("apt-get %s %s: %s", action, strings.Join(pending, " "), strings.TrimSpace(res.Stderr))
	}
	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("removed %s", strings.Join(pending, ", ")),
		Data:    map[string]any{"removed": pending},
	}, nil
}
