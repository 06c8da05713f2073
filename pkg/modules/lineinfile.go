package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// lineInFileParams are the parameters of the lineinfile module.
type lineInFileParams struct {
	Path     string `yaml:"path"`
	Line     string `yaml:"line"`
	Regexp   string `yaml:"regexp"`
	State    string `yaml:"state"`
	Create   bool   `yaml:"create"`
	Mode     string `yaml:"mode"`
	Owner    string `yaml:"owner"`
	Group    string `yaml:"group"`
	Backup   bool   `yaml:"backup"`
	Validate string `yaml:"validate"`
}

type lineInFileModule struct {
	params  lineInFileParams
	pattern *regexp.Regexp
}

func newLineInFile(node *yaml.Node) (Module, error) {
	var p lineInFileParams
	if err := decodeParams(node, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if p.State == "" {
		p.State = "present"
	}
	switch p.State {
	case "present":
		if p.Line == "" {
			return nil, fmt.Errorf("line is required when state is present")
		}
	case "absent":
		if p.Line == "" && p.Regexp == "" {
			return nil, fmt.Errorf("either line or regexp is required when state is absent")
		}
	default:
		return nil, fmt.Errorf("state must be present or absent, got %q", p.State)
	}

	m := &lineInFileModule{params: p}
	if p.Regexp != "" {
		pattern, err := regexp.Compile(p.Regexp)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp: %w", err)
		}
		m.pattern = pattern
	}
	return m, nil
}

func (m *lineInFileModule) Name() string { return "lineinfile" }

func (m *lineInFileModule) Apply(ctx context.Context, req *Request) (*Result, error) {
	content, exists, err := readRemoteFile(ctx, req, m.params.Path)
	if err != nil {
		return nil, err
	}
	if !exists {
		if m.params.State == "absent" {
			return unchanged("file does not exist"), nil
		}
		if !m.params.Create {
			return nil, fmt.Errorf("%s does not exist (set create: true to create it)", m.params.Path)
		}
	}

	lines := splitLines(content)
	var next []string
	if m.params.State == "absent" {
		next = m.removeLines(lines)
	} else {
		next = m.ensureLine(lines)
	}

	rendered := joinLines(next)
	if exists && rendered == content {
		return unchanged("line already in place"), nil
	}
	if req.CheckMode {
		return changed(fmt.Sprintf("would update %s", m.params.Path)), nil
	}

	err = writeRemoteFile(ctx, req, m.params.Path, rendered, writeOptions{
		Mode:     m.params.Mode,
		Owner:    m.params.Owner,
		Group:    m.params.Group,
		Validate: m.params.Validate,
		Backup:   m.params.Backup,
	})
	if err != nil {
		return nil, err
	}
	return changed(fmt.Sprintf("updated %s", m.params.Path)), nil
}

// ensureLine rewrites lines so that exactly one copy of the target line
// remains. With a regexp, the first match is replaced and any further
// matches are dropped; without one, a missing exact line is appended.
func (m *lineInFileModule) ensureLine(lines []string) []string {
	if m.pattern == nil {
		for _, l := range lines {
			if l == m.params.Line {
				return lines
			}
		}
		return append(append([]string{}, lines...), m.params.Line)
	}

	out := make([]string, 0, len(lines)+1)
	replaced := false
	for _, l := range lines {
		if m.pattern.MatchString(l) || l == m.params.Line {
			if !replaced {
				out = append(out, m.params.Line)
				replaced = true
			}
			continue
		}
		out = append(out, l)
	}
	if !replaced {
		out = append(out, m.params.Line)
	}
	return out
}

// removeLines drops every line matching the regexp, or every exact copy
// of line when no regexp is set.
func (m *lineInFileModule) removeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if m.pattern != nil && m.pattern.MatchString(l) {
			continue
		}
		if m.pattern == nil && l == m.params.Line {
			continue
		}
		out = append(out, l)
	}
	return out
}

// splitLines splits file content into lines without a trailing phantom
// entry for the final newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
