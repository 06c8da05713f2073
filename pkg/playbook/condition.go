package playbook

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// EvalCondition evaluates a when guard against the variable scope. The
// expression is Starlark: scope entries with identifier names are bound as
// globals, nested maps become dicts indexed with [], and the result
// follows Starlark truthiness, so both `enable_firewall` and
// `facts["os_family"] == "Debian"` work. An empty expression is true.
func EvalCondition(expr string, scope map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	predeclared := make(starlark.StringDict, len(scope))
	for key, val := range scope {
		if !isIdentifier(key) {
			continue
		}
		sv, err := toStarlark(val)
		if err != nil {
			return false, fmt.Errorf("condition input %q: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "when",
		Print: func(*starlark.Thread, string) {},
	}

	val, err := starlark.Eval(thread, "when", expr, predeclared)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return bool(val.Truth()), nil
}

// CheckCondition parses a when expression without evaluating it, so
// syntax errors surface at load time.
func CheckCondition(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	if _, err := syntax.ParseExpr("when", expr, 0); err != nil {
		return fmt.Errorf("bad when expression %q: %w", expr, err)
	}
	return nil
}

// toStarlark converts a scope value into its Starlark form.
func toStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
