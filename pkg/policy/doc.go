// Package policy audits playbooks with Open Policy Agent before they
// run. Policies are Rego modules evaluated against the parsed playbook;
// they flag risky or inconsistent patterns but never rewrite the
// playbook. `drover lint` runs the audit and fails only on
// error-severity findings.
//
// # Architecture
//
// The package has three moving parts:
//
//  1. Engine - compiles policies once and evaluates their deny sets
//  2. Loader - reads .rego and .json policy files, optionally watching
//     them for changes
//  3. Builtin policies - the audits drover ships with, embedded as Rego
//     source
//
// # Input document
//
// Policies receive the playbook flattened into plain values: every
// play with its tasks in execution order (blocks inlined), handlers
// separate, module parameters as raw unrendered maps. A policy walks
// it like any JSON document:
//
//	package custom.policies.reboot
//
//	import rego.v1
//
//	deny contains violation if {
//		some play in input.plays
//		some task in play.tasks
//		task.module == "reboot"
//		not task.detach
//		violation := {
//			"message": sprintf("%q reboots in the foreground", [task.name]),
//			"severity": "warning",
//			"play": play.name,
//			"task": task.name,
//		}
//	}
//
// The contract is the deny set: each member is a message string or an
// object with message, severity, play and task fields. Severity falls
// back to the policy's own default when a finding names none.
//
// # Builtin policies
//
//   - ssh-hardening-consistency: root login off and access restricted
//     to one user, yet password authentication stays enabled
//   - firewall-default-drop: INPUT chain should default to DROP with
//     the explicit accepts installed first
//   - db-exposure: pg_hba entries open to 0.0.0.0/0 and unrestricted
//     listen_addresses
//   - detached-visibility: lists fire-and-forget steps whose outcome
//     cannot be observed
//
// All builtins report at warning or below; only custom error-severity
// policies make lint exit non-zero.
//
// # Custom policies
//
// A policy directory may hold .rego files, whose leading comment block
// carries metadata:
//
//	# severity: error
//	# Reject playbooks that install packages without pinning.
//	package custom.policies.pinning
//
//	import rego.v1
//	...
//
// and .json documents carrying the full policy record. Policies are
// written in Rego v1 syntax.
//
// # Hot reload
//
// Watch mode keeps the audit current while files are edited:
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//		return eng.ReloadPolicies(ctx, policies)
//	})
package policy
