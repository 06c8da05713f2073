package modules

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// iptablesParams are the parameters of the iptables module. A task sets
// either policy (to manage the chain's default policy) or a rule
// specification.
type iptablesParams struct {
	Chain       string `yaml:"chain"`
	Policy      string `yaml:"policy"`
	Protocol    string `yaml:"protocol"`
	DestPort    string `yaml:"dest_port"`
	Source      string `yaml:"source"`
	InInterface string `yaml:"in_interface"`
	Match       string `yaml:"match"`
	CtState     string `yaml:"ctstate"`
	Jump        string `yaml:"jump"`
	Comment     string `yaml:"comment"`
	State       string `yaml:"state"`
	Insert      bool   `yaml:"insert"`
	Save        bool   `yaml:"save"`
}

type iptablesModule struct {
	params iptablesParams
}

func newIptables(node *yaml.Node) (Module, error) {
	var p iptablesParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Chain == "" {
		return nil, fmt.Errorf("chain is required")
	}
	if p.State == "" {
		p.State = "present"
	}
	if p.State != "present" && p.State != "absent" {
		return nil, fmt.Errorf("state must be present or absent, got %q", p.State)
	}
	if p.Policy == "" && p.Jump == "" {
		return nil, fmt.Errorf("either policy or jump is required")
	}
	if p.Policy != "" && p.Jump != "" {
		return nil, fmt.Errorf("policy and jump are mutually exclusive")
	}
	return &iptablesModule{params: p}, nil
}

func (m *iptablesModule) Name() string { return "iptables" }

func (m *iptablesModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	if m.params.Policy != "" {
		return m.applyPolicy(ctx, req)
	}
	return m.applyRule(ctx, req)
}

func (m *iptablesModule) applyPolicy(ctx context.Context, req *Request) (*Result, error) {
	chain := transport.ShellQuote(m.params.Chain)
	res, err := req.Run(ctx, fmt.Sprintf("iptables -S %s", chain))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("iptables -S %s: %s", m.params.Chain, strings.TrimSpace(res.Stderr))
	}
	// The first -S line is "-P CHAIN POLICY".
	current := ""
	if fields := strings.Fields(res.Stdout); len(fields) >= 3 && fields[0] == "-P" {
		current = fields[2]
	}
	if current == m.params.Policy {
		return unchanged(fmt.Sprintf("chain %s policy already %s", m.params.Chain, m.params.Policy)), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would set chain %s policy to %s", m.params.Chain, m.params.Policy)), nil
	}
	if err := runChecked(ctx, req, fmt.Sprintf("iptables -P %s %s", chain, transport.ShellQuote(m.params.Policy))); err != nil {
		return nil, err
	}
	if err := m.save(ctx, req); err != nil {
		return nil, err
	}
	return changed(fmt.Sprintf("set chain %s policy to %s", m.params.Chain, m.params.Policy)), nil
}

func (m *iptablesModule) applyRule(ctx context.Context, req *Request) (*Result, error) {
	spec := m.ruleSpec()
	check, err := req.Run(ctx, fmt.Sprintf("iptables -C %s %s", transport.ShellQuote(m.params.Chain), spec))
	if err != nil {
		return nil, err
	}
	// -C exits zero when the rule exists.
	exists := check.Success()

	if m.params.State == "present" {
		if exists {
			return unchanged(fmt.Sprintf("rule already in chain %s", m.params.Chain)), nil
		}
		if req.CheckMode {
			return changed(fmt.Sprintf("would add rule to chain %s", m.params.Chain)), nil
		}
		flag := "-A"
		if m.params.Insert {
			flag = "-I"
		}
		if err := runChecked(ctx, req, fmt.Sprintf("iptables %s %s %s", flag, transport.ShellQuote(m.params.Chain), spec)); err != nil {
			return nil, err
		}
		if err := m.save(ctx, req); err != nil {
			return nil, err
		}
		return changed(fmt.Sprintf("added rule to chain %s", m.params.Chain)), nil
	}

	if !exists {
		return unchanged(fmt.Sprintf("rule not in chain %s", m.params.Chain)), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would delete rule from chain %s", m.params.Chain)), nil
	}
	if err := runChecked(ctx, req, fmt.Sprintf("iptables -D %s %s", transport.ShellQuote(m.params.Chain), spec)); err != nil {
		return nil, err
	}
	if err := m.save(ctx, req); err != nil {
		return nil, err
	}
	return changed(fmt.Sprintf("deleted rule from chain %s", m.params.Chain)), nil
}

// ruleSpec renders the match and target arguments shared by -C, -A, -I
// and -D.
func (m *iptablesModule) ruleSpec() string {
	var args []string
	if m.params.Protocol != "" {
		args = append(args, "-p", transport.ShellQuote(m.params.Protocol))
	}
	if m.params.Source != "" {
		args = append(args, "-s", transport.ShellQuote(m.params.Source))
	}
	if m.params.InInterface != "" {
		args = append(args, "-i", transport.ShellQuote(m.params.InInterface))
	}
	if m.params.DestPort != "" {
		args = append(args, "--dport", transport.ShellQuote(m.params.DestPort))
	}
	if m.params.Match != "" {
		args = append(args, "-m", transport.ShellQuote(m.params.Match))
	}
	if m.params.CtState != "" {
		if m.params.Match == "" {
			args = append(args, "-m", "conntrack")
		}
		args = append(args, "--ctstate", transport.ShellQuote(m.params.CtState))
	}
	args = append(args, "-j", transport.ShellQuote(m.params.Jump))
	if m.params.Comment != "" {
		args = append(args, "-m", "comment", "--comment", transport.ShellQuote(m.params.Comment))
	}
	return strings.Join(args, " ")
}

func (m *iptablesModule) save(ctx context.Context, req *Request) error {
	if !m.params.Save {
		return nil
	}
	return runChecked(ctx, req, "netfilter-persistent save")
}
