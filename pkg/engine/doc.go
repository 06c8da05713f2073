// Package engine compiles playbooks into plans and executes them
// against inventory hosts.
//
// # Overview
//
// A run moves through four phases:
//
//  1. Compile - Resolve hosts and statically check every task (BuildPlan)
//  2. Facts - Discover each host's system state once per run
//  3. Execute - Drive modules host by host, plays in file order (Runner)
//  4. Report - Aggregate step results into per-host recaps (Report)
//
// Hosts within a play run concurrently, bounded by Options.Forks. Tasks
// on a single host run strictly in declaration order, and the first
// unignored failure stops that host for the rest of the run. Other
// hosts are never held back by a neighbor's failure.
//
// # Core Domain Types
//
// The package defines the types that represent the execution model:
//
//   - Plan: A compiled playbook with resolved hosts and checked tasks
//   - Run: One execution of a playbook with status tracking
//   - StepResult: The outcome of one task on one host
//   - HostRecap: Per-host counts of step outcomes across the run
//   - Report: The complete run outcome handed back to callers
//
// # Transports and Stores
//
// The runner reaches hosts through a TransportFactory, so tests and
// alternative transports slot in without touching the engine:
//
//	factory := func(host *inventory.Host) (transport.Transport, error) {
//	    ...
//	}
//	runner := engine.NewRunner(inv, modules.Default(), factory, engine.Options{})
//	report, err := runner.Run(ctx, pb)
//
// Persistence is optional. A Store attached with WithStore receives the
// run record, every step result, and gathered facts; a nil store
// disables persistence without changing run behavior.
//
// # Error Classification
//
// Failures carry a class so callers can tell a playbook mistake from a
// dead host from a module failing on the host. See EngineError and the
// ErrorClass constants.
//
// # Step Outcomes
//
// Every task on every host lands in exactly one StepStatus:
//
//   - StepOK: The host already matched the declared state
//   - StepChanged: The host was mutated toward the declared state
//   - StepFailed: The step failed and stopped the host
//   - StepSkipped: The when condition was false
//   - StepIgnored: The step failed but ignore_errors let the host continue
//   - StepDetached: The work was dispatched fire-and-forget
//   - StepUnreachable: The host could not be contacted at all
package engine
