package modules

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// serviceParams are the parameters of the service module.
type serviceParams struct {
	Name    string `yaml:"name"`
	State   string `yaml:"state"`
	Enabled *bool  `yaml:"enabled"`
}

type serviceModule struct {
	params serviceParams
}

func newService(node *yaml.Node) (Module, error) {
	var p serviceParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	switch p.State {
	case "", "started", "stopped", "restarted", "reloaded":
	default:
		return nil, fmt.Errorf("state must be started, stopped, restarted or reloaded, got %q", p.State)
	}
	if p.State == "" && p.Enabled == nil {
		return nil, fmt.Errorf("at least one of state or enabled is required")
	}
	return &serviceModule{params: p}, nil
}

func (m *serviceModule) Name() string { return "service" }

func (m *serviceModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	unit := transport.ShellQuote(m.params.Name)
	var actions []string

	if m.params.State != "" {
		active, err := m.isActive(ctx, req)
		if err != nil {
			return nil, err
		}

		var verb string
		switch m.params.State {
		case "started":
			if !active {
				verb = "start"
			}
		case "stopped":
			if active {
				verb = "stop"
			}
		case "restarted":
			// An explicit restart is a forced action, not a
			// reconciliation, so it always runs.
			verb = "restart"
		case "reloaded":
			verb = "reload"
		}
		if verb != "" {
			actions = append(actions, verb)
			if !req.CheckMode {
				if err := runChecked(ctx, req, fmt.Sprintf("systemctl %s %s", verb, unit)); err != nil {
					return nil, err
				}
			}
		}
	}

	if m.params.Enabled != nil {
		enabled, err := m.isEnabled(ctx, req)
		if err != nil {
			return nil, err
		}
		if *m.params.Enabled != enabled {
			verb := "enable"
			if !*m.params.Enabled {
				verb = "disable"
			}
			actions = append(actions, verb)
			if !req.CheckMode {
				if err := runChecked(ctx, req, fmt.Sprintf("systemctl %s %s", verb, unit)); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(actions) == 0 {
		return unchanged(fmt.Sprintf("service %s in desired state", m.params.Name)), nil
	}
	verb := ""
	if req.CheckMode {
		verb = "would "
	}
	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("%s%s service %s", verb, strings.Join(actions, ", "), m.params.Name),
		Data:    map[string]any{"actions": actions},
	}, nil
}

// Dispatch launches the requested state change fire-and-forget. Only
// forced actions make sense detached; reconciliations need the probe
// result, which a detached step cannot report.
func (m *serviceModule) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if m.params.State != "restarted" && m.params.State != "reloaded" {
		return nil, fmt.Errorf("only restarted or reloaded can run detached")
	}
	verb := strings.TrimSuffix(m.params.State, "ed")
	cmd := fmt.Sprintf("systemctl %s %s", verb, transport.ShellQuote(m.params.Name))
	if req.CheckMode {
		return changed(fmt.Sprintf("would dispatch %q", cmd)), nil
	}
	if err := req.Transport.Detach(ctx, cmd, req.Options()); err != nil {
		return nil, err
	}
	return changed(fmt.Sprintf("dispatched %q", cmd)), nil
}

func (m *serviceModule) isActive(ctx context.Context, req *Request) (bool, error) {
	res, err := req.Run(ctx, "systemctl is-active "+transport.ShellQuote(m.params.Name))
	if err != nil {
		return false, err
	}
	// is-active exits non-zero for inactive units; that is the answer,
	// not a failure.
	return res.Success() && res.Out() == "active", nil
}

func (m *serviceModule) isEnabled(ctx context.Context, req *Request) (bool, error) {
	res, err := req.Run(ctx, "systemctl is-enabled "+transport.ShellQuote(m.params.Name))
	if err != nil {
		return false, err
	}
	return res.Success() && res.Out() == "enabled", nil
}
