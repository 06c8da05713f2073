package playbook

import "testing"

func TestEvalConditionComparisons(t *testing.T) {
	scope := map[string]any{
		"enable_firewall": true,
		"db_port":         5433,
		"role":            "database",
		"facts": map[string]any{
			"os_family": "Debian",
			"memory_mb": 4096,
		},
	}

	tests := []struct {
		expr     string
		expected bool
	}{
		{"", true},
		{"enable_firewall", true},
		{"not enable_firewall", false},
		{"db_port == 5433", true},
		{"db_port != 5433", false},
		{`role == "database"`, true},
		{`facts["os_family"] == "Debian"`, true},
		{`facts["os_family"] == "RedHat"`, false},
		{`facts["memory_mb"] >= 2048`, true},
		{`enable_firewall and db_port > 1024`, true},
		{`role in ["database", "logging"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, scope)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvalConditionTruthiness(t *testing.T) {
	scope := map[string]any{
		"empty_string": "",
		"some_string":  "x",
		"zero":         0,
		"items":        []any{},
	}

	tests := []struct {
		expr     string
		expected bool
	}{
		{"empty_string", false},
		{"some_string", true},
		{"zero", false},
		{"items", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, scope)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvalConditionRegisteredResult(t *testing.T) {
	scope := map[string]any{
		"pg_check": map[string]any{
			"exit_code": 0,
			"stdout":    "accepting connections",
			"changed":   false,
		},
	}

	got, err := EvalCondition(`pg_check["exit_code"] == 0`, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected registered result lookup to succeed")
	}
}

func TestEvalConditionUndefinedVariable(t *testing.T) {
	_, err := EvalCondition("no_such_var", map[string]any{})
	if err == nil {
		t.Fatal("expected error for undefined variable")
	}
}

func TestEvalConditionSyntaxError(t *testing.T) {
	_, err := EvalCondition("db_port ==", map[string]any{"db_port": 1})
	if err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestEvalConditionSkipsNonIdentifierKeys(t *testing.T) {
	scope := map[string]any{
		"ok":       true,
		"bad-name": true,
	}

	got, err := EvalCondition("ok", scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected valid keys to still bind")
	}
}
