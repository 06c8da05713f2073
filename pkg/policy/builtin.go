package policy

import (
	"time"
)

// BuiltinPolicies returns the audits drover ships with. They flag
// playbook patterns that undermine their own hardening or hide
// failures. All of them report; none rewrites the playbook and none
// carries a blocking severity.
func BuiltinPolicies() []Policy {
	return []Policy{
		sshHardeningConsistency(),
		firewallDefaultDrop(),
		dbExposure(),
		detachedVisibility(),
	}
}

// sshHardeningConsistency flags sshd hardening that locks the door but
// leaves the window open: root login off and access restricted to a
// single user, while password authentication stays enabled.
func sshHardeningConsistency() Policy {
	return Policy{
		Name:        "ssh-hardening-consistency",
		Description: "Flags sshd configs that disable root login and restrict access to one user but keep password authentication enabled",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"ssh", "hardening"},
		Source:      "builtin",
		LoadedAt:    time.Now(),
		Rego: `package drover.policies.ssh

import rego.v1

# Lines the playbook writes into sshd_config, via lineinfile or a
# whole-file copy/template.
sshd_lines contains entry if {
	some play in input.plays
	some task in play.tasks
	task.module == "lineinfile"
	contains(task.params.path, "sshd_config")
	entry := {"play": play.name, "task": task.name, "line": task.params.line}
}

sshd_lines contains entry if {
	some play in input.plays
	some task in play.tasks
	task.module in {"copy", "template"}
	contains(task.params.dest, "sshd_config")
	some line in split(task.params.content, "\n")
	entry := {"play": play.name, "task": task.name, "line": line}
}

root_login_disabled if {
	some entry in sshd_lines
	regex.match("^\\s*PermitRootLogin\\s+no\\b", entry.line)
}

# AllowUsers naming exactly one account.
single_user_entries contains entry if {
	some entry in sshd_lines
	fields := regex.split("\\s+", trim_space(entry.line))
	fields[0] == "AllowUsers"
	count(fields) == 2
}

password_auth_disabled if {
	some entry in sshd_lines
	regex.match("^\\s*PasswordAuthentication\\s+no\\b", entry.line)
}

password_auth_forced contains entry if {
	some entry in sshd_lines
	regex.match("^\\s*PasswordAuthentication\\s+yes\\b", entry.line)
}

deny contains violation if {
	root_login_disabled
	count(single_user_entries) > 0
	some entry in password_auth_forced
	violation := {
		"message": sprintf("sshd is locked down to one user with root login off, yet %q keeps password authentication on; one guessed password defeats the hardening", [entry.task]),
		"severity": "warning",
		"play": entry.play,
		"task": entry.task,
	}
}

deny contains violation if {
	root_login_disabled
	count(password_auth_forced) == 0
	not password_auth_disabled
	some entry in single_user_entries
	violation := {
		"message": sprintf("sshd access is restricted by %q with root login off, but nothing turns password authentication off; keys-only would close the gap", [entry.task]),
		"severity": "warning",
		"play": entry.play,
		"task": entry.task,
	}
}`,
	}
}

// firewallDefaultDrop expects the INPUT chain to default to DROP, with
// the explicit accepts installed before the policy flip.
func firewallDefaultDrop() Policy {
	return Policy{
		Name:        "firewall-default-drop",
		Description: "Expects the INPUT chain to default to DROP with explicit ACCEPT rules installed first",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"firewall", "hardening"},
		Source:      "builtin",
		LoadedAt:    time.Now(),
		Rego: `package drover.policies.firewall

import rego.v1

deny contains violation if {
	some play in input.plays
	accepts := [i |
		some i, task in play.tasks
		task.module == "iptables"
		task.params.chain == "INPUT"
		task.params.jump == "ACCEPT"
	]
	count(accepts) > 0
	drops := [i |
		some i, task in play.tasks
		task.module == "iptables"
		task.params.chain == "INPUT"
		task.params.policy == "DROP"
	]
	count(drops) == 0
	violation := {
		"message": sprintf("play %q adds ACCEPT rules to INPUT but never sets the chain's default policy to DROP, so unmatched traffic stays accepted", [play.name]),
		"severity": "warning",
		"play": play.name,
	}
}

deny contains violation if {
	some play in input.plays
	some i, task in play.tasks
	task.module == "iptables"
	task.params.chain == "INPUT"
	task.params.policy == "DROP"
	accepts_before := [j |
		some j, other in play.tasks
		j < i
		other.module == "iptables"
		other.params.chain == "INPUT"
		other.params.jump == "ACCEPT"
	]
	count(accepts_before) == 0
	violation := {
		"message": sprintf("%q flips INPUT to default DROP before any ACCEPT rule is in place; applying this over SSH can cut the session", [task.name]),
		"severity": "warning",
		"play": play.name,
		"task": task.name,
	}
}`,
	}
}

// dbExposure flags PostgreSQL client access opened to the whole
// internet.
func dbExposure() Policy {
	return Policy{
		Name:        "db-exposure",
		Description: "Flags pg_hba entries open to 0.0.0.0/0 and unrestricted listen_addresses",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"postgres", "exposure"},
		Source:      "builtin",
		LoadedAt:    time.Now(),
		Rego: `package drover.policies.database

import rego.v1

open_world := {"0.0.0.0/0", "::/0"}

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.module == "lineinfile"
	contains(task.params.path, "pg_hba")
	some cidr in open_world
	contains(task.params.line, cidr)
	violation := {
		"message": sprintf("%q opens pg_hba to %s; every address on the network may attempt authentication", [task.name, cidr]),
		"severity": "warning",
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.module in {"copy", "template"}
	contains(task.params.dest, "pg_hba")
	some cidr in open_world
	contains(task.params.content, cidr)
	violation := {
		"message": sprintf("%q opens pg_hba to %s; every address on the network may attempt authentication", [task.name, cidr]),
		"severity": "warning",
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.module == "lineinfile"
	contains(task.params.path, "postgresql.conf")
	regex.match("listen_addresses\\s*=\\s*'\\*'", task.params.line)
	violation := {
		"message": sprintf("%q sets listen_addresses = '*'; pair it with pg_hba entries narrower than the whole internet", [task.name]),
		"severity": "warning",
		"play": play.name,
		"task": task.name,
	}
}`,
	}
}

// detachedVisibility lists every fire-and-forget step so the operator
// acknowledges that failures after dispatch go unseen.
func detachedVisibility() Policy {
	return Policy{
		Name:        "detached-visibility",
		Description: "Lists detached steps whose failures after dispatch are unobservable",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"detach", "visibility"},
		Source:      "builtin",
		LoadedAt:    time.Now(),
		Rego: `package drover.policies.detach

import rego.v1

deny contains violation if {
	some play in input.plays
	some task in play.tasks
	task.detach
	violation := {
		"message": sprintf("%q is dispatched fire-and-forget; once it is launched its outcome cannot be observed", [task.name]),
		"severity": "info",
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some play in input.plays
	some task in play.handlers
	task.detach
	violation := {
		"message": sprintf("handler %q is dispatched fire-and-forget; once it is launched its outcome cannot be observed", [task.name]),
		"severity": "info",
		"play": play.name,
		"task": task.name,
	}
}`,
	}
}
