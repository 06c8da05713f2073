package engine

import (
	"fmt"
	"sort"
	"time"
)

// StepStatus is the outcome of one task on one host.
type StepStatus string

const (
	// StepOK indicates the host already matched the declared state.
	StepOK StepStatus = "ok"

	// StepChanged indicates the host was mutated toward the declared state.
	StepChanged StepStatus = "changed"

	// StepFailed indicates the step failed and stopped the host.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step's when condition was false.
	StepSkipped StepStatus = "skipped"

	// StepIgnored indicates the step failed but ignore_errors let the
	// host continue.
	StepIgnored StepStatus = "ignored"

	// StepDetached indicates the step's work was dispatched
	// fire-and-forget; its outcome is unobservable.
	StepDetached StepStatus = "detached"

	// StepUnreachable indicates the host could not be contacted at all.
	StepUnreachable StepStatus = "unreachable"
)

// Validate checks that the step status is one of the known values.
func (s StepStatus) Validate() error {
	switch s {
	case StepOK, StepChanged, StepFailed, StepSkipped, StepIgnored, StepDetached, StepUnreachable:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// RunStatus is the overall outcome of a playbook run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is still executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusOK indicates every host converged with no changes.
	RunStatusOK RunStatus = "ok"

	// RunStatusChanged indicates the run converged and mutated at least
	// one host.
	RunStatusChanged RunStatus = "changed"

	// RunStatusFailed indicates at least one host failed or was
	// unreachable.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCanceled indicates the run was interrupted.
	RunStatusCanceled RunStatus = "canceled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusOK || s == RunStatusChanged ||
		s == RunStatusFailed || s == RunStatusCanceled
}

// Run is one execution of a playbook across its hosts.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Playbook is the path of the playbook that was executed.
	Playbook string `json:"playbook"`

	// Status is the run's overall outcome.
	Status RunStatus `json:"status"`

	// CheckMode records whether the run previewed changes only.
	CheckMode bool `json:"check_mode"`

	// Limit is the host pattern the run was limited to, if any.
	Limit string `json:"limit,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total wall time of the run.
	Duration time.Duration `json:"duration"`

	// Summary is the final per-host recap, populated when the run
	// completes.
	Summary map[string]*HostRecap `json:"summary,omitempty"`
}

// StepResult is the recorded outcome of one task on one host.
type StepResult struct {
	// RunID ties the result to its run.
	RunID string `json:"run_id"`

	// Host is the inventory name of the host the step ran on.
	Host string `json:"host"`

	// Play is the label of the play the step belongs to.
	Play string `json:"play"`

	// Task is the task's label after interpolation.
	Task string `json:"task"`

	// Module is the module the task invoked.
	Module string `json:"module"`

	// Status is the step's outcome.
	Status StepStatus `json:"status"`

	// Msg is the module's one-line summary, or the skip reason.
	Msg string `json:"msg,omitempty"`

	// Err is the failure detail for failed and ignored steps.
	Err string `json:"err,omitempty"`

	// Data carries the module's registered values.
	Data map[string]any `json:"data,omitempty"`

	// Handler marks results produced during the handler flush.
	Handler bool `json:"handler,omitempty"`

	// Delegated names the host the step actually ran on when
	// delegate_to redirected it.
	Delegated string `json:"delegated,omitempty"`

	// StartedAt is when the step started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the step took.
	Duration time.Duration `json:"duration"`
}

// Changed reports whether the step mutated (or would mutate) the host.
func (r *StepResult) Changed() bool {
	return r.Status == StepChanged || r.Status == StepDetached
}

// Failed reports whether the step counts as a failure for the host.
func (r *StepResult) Failed() bool {
	return r.Status == StepFailed || r.Status == StepUnreachable
}

// HostRecap aggregates a host's step outcomes across a run.
type HostRecap struct {
	// Host is the inventory name.
	Host string `json:"host"`

	// OK counts steps that found the host already converged.
	OK int `json:"ok"`

	// Changed counts steps that mutated the host.
	Changed int `json:"changed"`

	// Failed counts failing steps that stuck. A failure later recovered
	// by a rescue section moves to Rescued instead.
	Failed int `json:"failed"`

	// Rescued counts failures recovered by a block's rescue section.
	Rescued int `json:"rescued"`

	// Skipped counts steps whose when condition was false.
	Skipped int `json:"skipped"`

	// Ignored counts failures tolerated by ignore_errors.
	Ignored int `json:"ignored"`

	// Detached counts fire-and-forget dispatches.
	Detached int `json:"detached"`

	// Unreachable records that the host could not be contacted.
	Unreachable bool `json:"unreachable"`
}

// Add folds one step outcome into the recap.
func (r *HostRecap) Add(status StepStatus) {
	switch status {
	case StepOK:
		r.OK++
	case StepChanged:
		r.Changed++
	case StepFailed:
		r.Failed++
	case StepSkipped:
		r.Skipped++
	case StepIgnored:
		r.Ignored++
	case StepDetached:
		r.Detached++
	case StepUnreachable:
		r.Unreachable = true
	}
}

// Rescue reclassifies the host's latest failure as rescued.
func (r *HostRecap) Rescue() {
	if r.Failed > 0 {
		r.Failed--
		r.Rescued++
	}
}

// Clean reports whether the host finished the run without failures.
func (r *HostRecap) Clean() bool {
	return r.Failed == 0 && !r.Unreachable
}

// Report is the full outcome of a run: the run record, every step
// result in execution order, and the per-host recaps.
type Report struct {
	Run     *Run                  `json:"run"`
	Results []*StepResult         `json:"results"`
	Recaps  map[string]*HostRecap `json:"recaps"`
}

// HostNames returns the recap host names in sorted order.
func (r *Report) HostNames() []string {
	names := make([]string, 0, len(r.Recaps))
	for name := range r.Recaps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed reports whether any host failed or was unreachable.
func (r *Report) Failed() bool {
	for _, recap := range r.Recaps {
		if !recap.Clean() {
			return true
		}
	}
	return false
}

// ChangedCount returns the total number of changing steps across hosts.
func (r *Report) ChangedCount() int {
	n := 0
	for _, recap := range r.Recaps {
		n += recap.Changed + recap.Detached
	}
	return n
}
