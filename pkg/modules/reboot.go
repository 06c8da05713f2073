package modules

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// rebootParams are the parameters of the reboot module.
type rebootParams struct {
	DelaySeconds int    `yaml:"delay_seconds"`
	Message      string `yaml:"message"`
}

// rebootModule reboots the host. It only runs detached: a synchronous
// reboot would tear down the very session reporting its result, so the
// step dispatches the shutdown and moves on.
type rebootModule struct {
	params rebootParams
}

func newReboot(node *yaml.Node) (Module, error) {
	var p rebootParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.DelaySeconds == 0 {
		p.DelaySeconds = 2
	}
	return &rebootModule{params: p}, nil
}

func (m *rebootModule) Name() string { return "reboot" }

func (m *rebootModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	return nil, fmt.Errorf("reboot must run with detach: true")
}

func (m *rebootModule) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req.CheckMode {
		return changed("would dispatch reboot"), nil
	}
	// The delay lets the dispatching session disconnect cleanly before
	// the host goes down.
	cmd := fmt.Sprintf("sleep %d && shutdown -r now", m.params.DelaySeconds)
	if m.params.Message != "" {
		cmd = fmt.Sprintf("sleep %d && shutdown -r now %q", m.params.DelaySeconds, m.params.Message)
	}
	if err := req.Transport.Detach(ctx, cmd, req.Options()); err != nil {
		return nil, err
	}
	return changed("reboot dispatched"), nil
}
