// Package inventory defines the hosts drover manages and how to reach
// them. An inventory names hosts with their connection settings, collects
// them into groups, and attaches variables at both levels. Plays select
// targets by host name, group name, "all", or a comma-separated mix.
package inventory

import (
	"fmt"
	"sort"
	"strings"
)

// The name every inventory resolves implicitly. Steps aimed at it run on
// the control machine unless the inventory defines it explicitly.
const Localhost = "localhost"

// Connection selects the transport used to reach a host.
type Connection string

const (
	ConnectionSSH   Connection = "ssh"
	ConnectionLocal Connection = "local"
)

// Host is one managed machine with its connection settings and variables.
type Host struct {
	Name       string
	Address    string
	Port       int
	User       string
	Connection Connection

	Password     string
	PrivateKey   string
	SudoPassword string

	// Become elevates every task on this host unless a play, block or
	// task says otherwise.
	Become bool

	Vars map[string]any

	// groups this host belongs to, sorted by name.
	groups []*Group
}

// Group is a named set of hosts sharing variables.
type Group struct {
	Name  string
	Hosts []string
	Vars  map[string]any
}

// Inventory is the full set of hosts and groups.
type Inventory struct {
	hosts  map[string]*Host
	groups map[string]*Group
}

// New builds an inventory from hosts and groups, wiring group membership
// and applying connection defaults. Group members must exist.
func New(hosts []*Host, groups []*Group) (*Inventory, error) {
	inv := &Inventory{
		hosts:  make(map[string]*Host, len(hosts)),
		groups: make(map[string]*Group, len(groups)),
	}

	for _, h := range hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("host with empty name")
		}
		if _, dup := inv.hosts[h.Name]; dup {
			return nil, fmt.Errorf("duplicate host %q", h.Name)
		}
		applyHostDefaults(h)
		inv.hosts[h.Name] = h
	}

	for _, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group with empty name")
		}
		if _, dup := inv.groups[g.Name]; dup {
			return nil, fmt.Errorf("duplicate group %q", g.Name)
		}
		if g.Name == "all" || g.Name == Localhost {
			return nil, fmt.Errorf("group name %q is reserved", g.Name)
		}
		for _, member := range g.Hosts {
			h, ok := inv.hosts[member]
			if !ok {
				return nil, fmt.Errorf("group %q references unknown host %q", g.Name, member)
			}
			h.groups = append(h.groups, g)
		}
		inv.groups[g.Name] = g
	}

	// Deterministic group order for variable merging.
	for _, h := range inv.hosts {
		sort.Slice(h.groups, func(i, j int) bool { return h.groups[i].Name < h.groups[j].Name })
	}

	return inv, nil
}

func applyHostDefaults(h *Host) {
	if h.Address == "" {
		h.Address = h.Name
	}
	if h.Port == 0 {
		h.Port = 22
	}
	if h.Connection == "" {
		if h.Name == Localhost {
			h.Connection = ConnectionLocal
		} else {
			h.Connection = ConnectionSSH
		}
	}
}

// Host returns the named host, or nil.
func (inv *Inventory) Host(name string) *Host {
	return inv.hosts[name]
}

// Group returns the named group, or nil.
func (inv *Inventory) Group(name string) *Group {
	return inv.groups[name]
}

// HostNames returns all host names, sorted.
func (inv *Inventory) HostNames() []string {
	names := make([]string, 0, len(inv.hosts))
	for name := range inv.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands a play's target pattern into hosts. A pattern is a host
// name, a group name, "all", or a comma-separated union of those; the
// union keeps first-seen order and drops duplicates. "localhost" resolves
// even when the inventory does not define it.
func (inv *Inventory) Resolve(pattern string) ([]*Host, error) {
	var out []*Host
	seen := make(map[string]bool)

	add := func(h *Host) {
		if !seen[h.Name] {
			seen[h.Name] = true
			out = append(out, h)
		}
	}

	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		switch {
		case part == "all":
			for _, name := range inv.HostNames() {
				add(inv.hosts[name])
			}
		case inv.hosts[part] != nil:
			add(inv.hosts[part])
		case inv.groups[part] != nil:
			for _, member := range inv.groups[part].Hosts {
				add(inv.hosts[member])
			}
		case part == Localhost:
			add(implicitLocalhost())
		default:
			return nil, fmt.Errorf("pattern %q matches no host or group", part)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("pattern %q resolves to no hosts", pattern)
	}
	return out, nil
}

// implicitLocalhost is the host used when a play targets localhost without
// an inventory entry for it.
func implicitLocalhost() *Host {
	h := &Host{Name: Localhost, Connection: ConnectionLocal}
	applyHostDefaults(h)
	return h
}

// EffectiveVars merges the host's variables with those of its groups.
// Group variables apply in group-name order, later names overriding
// earlier ones, and host variables override all groups. The result is a
// fresh map.
func (h *Host) EffectiveVars() map[string]any {
	merged := make(map[string]any)
	for _, g := range h.groups {
		for k, v := range g.Vars {
			merged[k] = v
		}
	}
	for k, v := range h.Vars {
		merged[k] = v
	}
	return merged
}

// Groups returns the names of the groups the host belongs to, sorted.
func (h *Host) Groups() []string {
	names := make([]string, len(h.groups))
	for i, g := range h.groups {
		names[i] = g.Name
	}
	return names
}

// IsLocal reports whether steps for this host run on the control machine.
func (h *Host) IsLocal() bool {
	return h.Connection == ConnectionLocal
}
