package inventory

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// hostDoc is the YAML shape of one host entry.
type hostDoc struct {
	Address      string         `yaml:"address"`
	Port         int            `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User         string         `yaml:"user"`
	Connection   string         `yaml:"connection" validate:"omitempty,oneof=ssh local"`
	Password     string         `yaml:"password"`
	PrivateKey   string         `yaml:"private_key"`
	SudoPassword string         `yaml:"sudo_password"`
	Become       bool           `yaml:"become"`
	Vars         map[string]any `yaml:"vars"`
}

// groupDoc is the YAML shape of one group entry.
type groupDoc struct {
	Hosts []string       `yaml:"hosts" validate:"required,min=1"`
	Vars  map[string]any `yaml:"vars"`
}

type inventoryDoc struct {
	Hosts  map[string]hostDoc  `yaml:"hosts"`
	Groups map[string]groupDoc `yaml:"groups"`
}

// Loader reads inventory files.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{validator: validator.New()}
}

// Load reads and parses the inventory file at path.
func (l *Loader) Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}
	inv, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes inventory YAML. Unknown fields are errors.
func (l *Loader) Parse(data []byte) (*Inventory, error) {
	var doc inventoryDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	if len(doc.Hosts) == 0 {
		return nil, fmt.Errorf("inventory defines no hosts")
	}

	hosts := make([]*Host, 0, len(doc.Hosts))
	for name, hd := range doc.Hosts {
		if err := l.validator.Struct(hd); err != nil {
			return nil, fmt.Errorf("host %q validation failed: %w", name, err)
		}
		hosts = append(hosts, &Host{
			Name:         name,
			Address:      hd.Address,
			Port:         hd.Port,
			User:         hd.User,
			Connection:   Connection(hd.Connection),
			Password:     hd.Password,
			PrivateKey:   hd.PrivateKey,
			SudoPassword: hd.SudoPassword,
			Become:       hd.Become,
			Vars:         hd.Vars,
		})
	}

	groups := make([]*Group, 0, len(doc.Groups))
	for name, gd := range doc.Groups {
		if err := l.validator.Struct(gd); err != nil {
			return nil, fmt.Errorf("group %q validation failed: %w", name, err)
		}
		groups = append(groups, &Group{
			Name:  name,
			Hosts: gd.Hosts,
			Vars:  gd.Vars,
		})
	}

	return New(hosts, groups)
}
