package policy

import (
	"time"
)

// Severity grades a finding. Only error blocks: lint exits non-zero
// when an error-severity violation is present, everything below is
// advisory.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps a string onto a known severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError:
		return Severity(s), true
	}
	return "", false
}

// severityRank orders findings for output, most severe first.
var severityRank = map[Severity]int{
	SeverityError:   0,
	SeverityWarning: 1,
	SeverityInfo:    2,
}

// Policy is one audit rule: a Rego module whose deny set lists the
// violations it found in the playbook handed to it as input.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description says what the policy looks for.
	Description string `json:"description"`

	// Rego is the policy source. The audit contract is a deny set in
	// the module's package: each member is either a message string or
	// an object with message, severity, play and task fields.
	Rego string `json:"rego"`

	// Severity applies to violations that do not name their own.
	Severity Severity `json:"severity"`

	// Enabled turns the policy on. Loaded policies default to on.
	Enabled bool `json:"enabled"`

	// Tags group related policies.
	Tags []string `json:"tags,omitempty"`

	// Source is "builtin" or the file the policy was loaded from.
	Source string `json:"-"`

	// LoadedAt is when the policy entered the engine.
	LoadedAt time.Time `json:"-"`
}

// Violation is a single finding from one policy.
type Violation struct {
	// Policy names the rule that fired.
	Policy string `json:"policy"`

	// Severity is the violation's own severity when the deny object
	// carried one, else the policy default.
	Severity Severity `json:"severity"`

	// Play and Task locate the finding in the playbook when the rule
	// reported them.
	Play string `json:"play,omitempty"`
	Task string `json:"task,omitempty"`

	// Message explains the finding.
	Message string `json:"message"`
}

// Result is the outcome of auditing one playbook.
type Result struct {
	// Violations are the findings, most severe first.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings report policies that failed to evaluate. A broken
	// policy never blocks the audit.
	Warnings []string `json:"warnings,omitempty"`

	// Policies lists the names that were evaluated.
	Policies []string `json:"policies"`

	// EvaluatedAt is when the audit started.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the audit took.
	Duration time.Duration `json:"duration"`
}

// Blocking reports whether the result should fail a lint.
func (r *Result) Blocking() bool {
	for i := range r.Violations {
		if r.Violations[i].Severity == SeverityError {
			return true
		}
	}
	return false
}

// Count returns the number of violations at the given severity.
func (r *Result) Count(sev Severity) int {
	n := 0
	for i := range r.Violations {
		if r.Violations[i].Severity == sev {
			n++
		}
	}
	return n
}
