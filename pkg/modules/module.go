// Package modules implements the built-in drover modules: the units of
// desired state a task can declare. Every module follows the same
// discipline: inspect the current state through the transport, decide
// changed or unchanged before mutating, and mutate only on drift. Check
// mode stops at the decision and reports what would change.
package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/droverops/drover/pkg/transport"
)

// Module applies one unit of desired state to one host.
type Module interface {
	// Name returns the module's registry name.
	Name() string

	// Apply reconciles the host toward the declared state and reports
	// whether anything changed. In check mode it must not mutate.
	Apply(ctx context.Context, req *Request) (*Result, error)
}

// Detacher is implemented by modules whose work can be dispatched
// fire-and-forget. Dispatch launches the work and returns without
// waiting; the outcome is unobservable afterwards.
type Detacher interface {
	Module
	Dispatch(ctx context.Context, req *Request) (*Result, error)
}

// Request carries the per-step execution context into a module.
type Request struct {
	// Transport reaches the step's host (or the delegate).
	Transport transport.Transport

	// Sudo is the resolved become setting for the step.
	Sudo bool

	// Env holds the task's environment overrides.
	Env map[string]string

	// CheckMode previews changes without applying them.
	CheckMode bool

	// Scope is the fully merged variable scope, used by modules that
	// render content themselves.
	Scope map[string]any

	// BaseDir anchors relative src paths, normally the playbook's
	// directory.
	BaseDir string

	// HostAddress is the target host's address, for modules that probe
	// the host from the control machine.
	HostAddress string
}

// Options builds the transport options for this request.
func (r *Request) Options() transport.Options {
	return transport.Options{Sudo: r.Sudo, Env: r.Env}
}

// Run executes a command on the step's host with the request's options.
func (r *Request) Run(ctx context.Context, cmd string) (*transport.Result, error) {
	return r.Transport.Run(ctx, cmd, r.Options())
}

// Result is a module's verdict for one step.
type Result struct {
	// Changed reports whether the host was (or would be) mutated.
	Changed bool

	// Msg is a one-line human summary.
	Msg string

	// Data carries module-specific values for register.
	Data map[string]any
}

func unchanged(msg string) *Result {
	return &Result{Changed: false, Msg: msg}
}

func changed(msg string) *Result {
	return &Result{Changed: true, Msg: msg}
}

// ErrValidation marks a pre-write validate command failure: the write was
// blocked and nothing on the host changed.
var ErrValidation = errors.New("validate command failed")

// Factory builds a module instance from the task's raw parameters.
type Factory func(params *yaml.Node) (Module, error)

// Registry maps module names to their factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Has reports whether name is a known module.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named module from its parameters.
func (r *Registry) Build(name string, params *yaml.Node) (Module, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", name)
	}
	mod, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	return mod, nil
}

// Default returns a registry with every built-in module.
func Default() *Registry {
	r := NewRegistry()
	r.Register("apt", newApt)
	r.Register("apt_repository", newAptRepository)
	r.Register("lineinfile", newLineInFile)
	r.Register("copy", newCopy)
	r.Register("template", newTemplate)
	r.Register("user", newUser)
	r.Register("service", newService)
	r.Register("sudoers", newSudoers)
	r.Register("iptables", newIptables)
	r.Register("command", newCommand)
	r.Register("shell", newShell)
	r.Register("ssh_keygen", newSSHKeygen)
	r.Register("wait_for", newWaitFor)
	r.Register("postgres_ping", newPostgresPing)
	r.Register("reboot", newReboot)
	return r
}

// decodeParams strictly decodes a params node into out. Unknown fields
// are errors; a missing or null node leaves out at its zero value.
func decodeParams(node *yaml.Node, out any) error {
	if node == nil || node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}

	// Round-trip through the decoder to get KnownFields checking, which
	// node.Decode alone does not offer.
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// StringList accepts a scalar or a sequence of scalars.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList(v)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}
