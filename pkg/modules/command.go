package modules

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// execParams are the parameters of the command and shell modules. A
// bare scalar is shorthand for cmd.
type execParams struct {
	Cmd     string `yaml:"cmd"`
	Creates string `yaml:"creates"`
	Removes string `yaml:"removes"`
	Chdir   string `yaml:"chdir"`
}

// execModule runs an arbitrary command. Commands are opaque: a run
// always counts as changed unless a creates or removes guard skips it.
type execModule struct {
	name   string
	params execParams
}

func newCommand(node *yaml.Node) (Module, error) { return newExec("command", node) }
func newShell(node *yaml.Node) (Module, error)   { return newExec("shell", node) }

func newExec(name string, node *yaml.Node) (Module, error) {
	var p execParams
	if node != nil && node.Kind == yaml.ScalarNode {
		if err := node.Decode(&p.Cmd); err != nil {
			return nil, err
		}
	} else if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Cmd == "" {
		return nil, fmt.Errorf("cmd is required")
	}
	return &execModule{name: name, params: p}, nil
}

func (m *execModule) Name() string { return m.name }

func (m *execModule) command() string {
	if m.params.Chdir == "" {
		return m.params.Cmd
	}
	return fmt.Sprintf("cd %s && %s", transport.ShellQuote(m.params.Chdir), m.params.Cmd)
}

// guarded reports whether a creates or removes guard suppresses the run.
func (m *execModule) guarded(ctx context.Context, req *Request) (bool, string, error) {
	if m.params.Creates != "" {
		exists, err := remoteFileExists(ctx, req, m.params.Creates)
		if err != nil {
			return false, "", err
		}
		if exists {
			return true, fmt.Sprintf("%s exists", m.params.Creates), nil
		}
	}
	if m.params.Removes != "" {
		exists, err := remoteFileExists(ctx, req, m.params.Removes)
		if err != nil {
			return false, "", err
		}
		if !exists {
			return true, fmt.Sprintf("%s does not exist", m.params.Removes), nil
		}
	}
	return false, "", nil
}

func (m *execModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	skip, reason, err := m.guarded(ctx, req)
	if err != nil {
		return nil, err
	}
	if skip {
		return unchanged("skipped, " + reason), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would run %q", m.params.Cmd)), nil
	}

	res, err := req.Run(ctx, m.command())
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}
	if !res.Success() {
		return &Result{Changed: true, Data: data},
			fmt.Errorf("command exited %d: %s", res.ExitCode, firstNonEmpty(strings.TrimSpace(res.Stderr), strings.TrimSpace(res.Stdout)))
	}
	return &Result{Changed: true, Msg: fmt.Sprintf("ran %q", m.params.Cmd), Data: data}, nil
}

// Dispatch launches the command fire-and-forget. Guards still apply;
// they are the only part of the outcome a detached step can observe.
func (m *execModule) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	skip, reason, err := m.guarded(ctx, req)
	if err != nil {
		return nil, err
	}
	if skip {
		return unchanged("skipped, " + reason), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would dispatch %q", m.params.Cmd)), nil
	}
	if err := req.Transport.Detach(ctx, m.command(), req.Options()); err != nil {
		return nil, err
	}
	return changed(fmt.Sprintf("dispatched %q", m.params.Cmd)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
