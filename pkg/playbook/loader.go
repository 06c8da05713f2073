package playbook

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads playbook files and their variable files.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{validator: validator.New()}
}

// Load reads, parses, and validates the playbook at path, including the
// vars_files referenced by its plays.
func (l *Loader) Load(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	pb, err := l.Parse(data, path)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}
	return pb, nil
}

// Parse decodes playbook YAML. The path is kept for error messages and for
// resolving relative vars_files. Unknown play fields are errors.
func (l *Loader) Parse(data []byte, path string) (*Playbook, error) {
	var plays []*Play
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plays); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}

	if len(plays) == 0 {
		return nil, fmt.Errorf("playbook contains no plays")
	}

	pb := &Playbook{Path: path, Plays: plays}
	for i, play := range plays {
		if err := l.validator.Struct(play); err != nil {
			return nil, fmt.Errorf("play %d (%q) validation failed: %w", i+1, play.Name, err)
		}
		if len(play.Tasks) == 0 {
			return nil, fmt.Errorf("play %q has no tasks", play.Label(i))
		}
		if err := l.resolveVarsFiles(play, filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("play %q: %w", play.Label(i), err)
		}
		if err := validateHandlers(play, i); err != nil {
			return nil, err
		}
	}
	return pb, nil
}

// Label returns the play's display name, falling back to its position.
func (p *Play) Label(index int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("play %d", index+1)
}

// resolveVarsFiles loads the play's vars_files and merges them under the
// inline vars. Files apply in listed order, later files overriding
// earlier ones, and inline play vars override all files.
func (l *Loader) resolveVarsFiles(play *Play, baseDir string) error {
	if len(play.VarsFiles) == 0 {
		return nil
	}

	merged := make(map[string]any)
	for _, ref := range play.VarsFiles {
		file := ref
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read vars file %s: %w", ref, err)
		}

		var vars map[string]any
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&vars); err != nil {
			return fmt.Errorf("failed to parse vars file %s: %w", ref, err)
		}
		for k, v := range vars {
			merged[k] = v
		}
	}

	for k, v := range play.Vars {
		merged[k] = v
	}
	play.Vars = merged
	return nil
}

// validateHandlers checks the play's handler table and every notify
// reference against it.
func validateHandlers(play *Play, index int) error {
	names := make(map[string]bool, len(play.Handlers))
	for _, h := range play.Handlers {
		if h.Name == "" {
			return fmt.Errorf("play %q: handler without a name cannot be notified", play.Label(index))
		}
		if names[h.Name] {
			return fmt.Errorf("play %q: duplicate handler %q", play.Label(index), h.Name)
		}
		if len(h.Notify) > 0 {
			return fmt.Errorf("play %q: handler %q cannot notify another handler", play.Label(index), h.Name)
		}
		names[h.Name] = true
	}

	var check func(tasks []*Task) error
	check = func(tasks []*Task) error {
		for _, t := range tasks {
			if t.Detach && len(t.Notify) > 0 {
				return fmt.Errorf("play %q: task %q is detached, its outcome can never notify", play.Label(index), t.Label())
			}
			if t.Detach && t.Register != "" {
				return fmt.Errorf("play %q: task %q is detached, there is no result to register", play.Label(index), t.Label())
			}
			for _, n := range t.Notify {
				if !names[n] {
					return fmt.Errorf("play %q: task %q notifies unknown handler %q", play.Label(index), t.Label(), n)
				}
			}
		}
		return nil
	}

	for _, entry := range play.Tasks {
		if entry.Task != nil {
			if err := check([]*Task{entry.Task}); err != nil {
				return err
			}
			continue
		}
		for _, section := range [][]*Task{entry.Block.Tasks, entry.Block.Rescue, entry.Block.Always} {
			if err := check(section); err != nil {
				return err
			}
		}
	}
	return nil
}
