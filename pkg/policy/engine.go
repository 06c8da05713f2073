package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/droverops/drover/pkg/playbook"
)

// Engine compiles audit policies once and evaluates them against
// parsed playbooks. It always carries the builtin policies; custom
// ones are added from files and a name collision overrides the
// builtin, so a shipped audit can be replaced wholesale.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the builtin policies compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	if err := e.AddPolicies(context.Background(), BuiltinPolicies()); err != nil {
		return nil, fmt.Errorf("builtin policies: %w", err)
	}
	return e, nil
}

// Evaluate audits a playbook with every enabled policy. A policy that
// fails to evaluate lands in the result's warnings and never aborts
// the audit.
func (e *Engine) Evaluate(ctx context.Context, pb *playbook.Playbook) (*Result, error) {
	started := time.Now()
	input := BuildInput(pb)

	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{EvaluatedAt: started}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		res.Policies = append(res.Policies, name)

		violations, err := e.evalPolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("policy evaluation failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("policy %s: %v", name, err))
			continue
		}
		res.Violations = append(res.Violations, violations...)
	}

	sortViolations(res.Violations)
	res.Duration = time.Since(started)

	e.logger.Debug().
		Str("playbook", pb.Path).
		Int("policies", len(res.Policies)).
		Int("violations", len(res.Violations)).
		Dur("duration", res.Duration).
		Msg("playbook audited")

	return res, nil
}

// AddPolicies compiles and registers policies, overriding same-named
// ones.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()
	return nil
}

// LoadPolicies loads and registers policy files from the given paths.
// Directories are walked recursively.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := e.AddPolicies(ctx, policies); err != nil {
		return err
	}
	e.logger.Info().Int("count", len(policies)).Strs("paths", paths).Msg("policies loaded")
	return nil
}

// ReloadPolicies rebuilds the engine's policy set from the builtins
// plus the given policies. Watch mode calls this when a policy file
// changes; the swap is atomic, a concurrent Evaluate sees either the
// old set or the new one.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy)
	for _, p := range BuiltinPolicies() {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return err
		}
		next[p.Name] = cp
	}
	for _, p := range policies {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return err
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(next)).Msg("policies reloaded")
	return nil
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all registered policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, e.policies[name].policy)
	}
	return out
}

// EnablePolicy turns a policy on.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy turns a policy off; it stays registered and listed.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

// sortedNames returns the policy names in order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evalPolicy runs one prepared query and decodes its deny set.
func (e *Engine) evalPolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			denies, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denies {
				out = append(out, newViolation(&cp.policy, d))
			}
		}
	}
	return out, nil
}

// compilePolicy parses a policy module and prepares its deny query for
// reuse across evaluations.
func compilePolicy(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", p.Name, err)
	}

	// The audit contract: findings are the deny set of the policy's
	// own package.
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy %s: %w", p.Name, err)
	}

	return &compiledPolicy{policy: p, query: prepared, compiled: time.Now()}, nil
}

// newViolation decodes one deny member. A bare string is a message;
// an object may override severity and locate the finding.
func newViolation(p *Policy, raw interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch val := raw.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			if parsed, known := ParseSeverity(sev); known {
				v.Severity = parsed
			}
		}
		if play, ok := val["play"].(string); ok {
			v.Play = play
		}
		if task, ok := val["task"].(string); ok {
			v.Task = task
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}
	return v
}

// sortViolations orders findings by severity, then by where they are.
func sortViolations(violations []Violation) {
	sort.SliceStable(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] < severityRank[b.Severity]
		}
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.Play != b.Play {
			return a.Play < b.Play
		}
		if a.Task != b.Task {
			return a.Task < b.Task
		}
		return a.Message < b.Message
	})
}
