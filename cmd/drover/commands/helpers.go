package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/droverops/drover/pkg/inventory"
	"github.com/droverops/drover/pkg/playbook"
	"github.com/droverops/drover/pkg/stores"
	"github.com/droverops/drover/pkg/transport"
	"github.com/droverops/drover/pkg/transport/local"
	"github.com/droverops/drover/pkg/transport/ssh"
)

func loadInventory(path string) (*inventory.Inventory, error) {
	if path == "" {
		return nil, fmt.Errorf("an inventory is required (-i inventory.yml)")
	}
	return inventory.NewLoader().Load(path)
}

func loadPlaybook(path string) (*playbook.Playbook, error) {
	return playbook.NewLoader().Load(path)
}

// transportFactory maps a host's connection settings onto a transport.
// Hosts with connection=local run on the control machine; everything
// else goes over SSH with key auth unless the inventory configures a
// password. The host var strict_host_key_checking, when set to false,
// turns off known_hosts verification for that host.
func transportFactory(host *inventory.Host) (transport.Transport, error) {
	if host.IsLocal() {
		return local.New(local.Config{SudoPassword: host.SudoPassword}), nil
	}

	remoteUser := host.User
	if remoteUser == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("host %s names no user and the current user is unknown: %w", host.Name, err)
		}
		remoteUser = current.Username
	}

	cfg := ssh.DefaultConfig(host.Address, remoteUser)
	if host.Port != 0 {
		cfg.Port = host.Port
	}
	cfg.SudoPassword = host.SudoPassword
	switch {
	case host.PrivateKey != "":
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = host.PrivateKey
	case host.Password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = host.Password
	}
	if v, ok := host.EffectiveVars()["strict_host_key_checking"]; ok {
		if strict, ok := v.(bool); ok {
			cfg.StrictHostKeyChecking = strict
		}
	}
	return ssh.New(cfg)
}

// parseExtraVars turns repeated key=value flags into a variable map.
// Values stay strings; playbook vars are the place for typed values.
func parseExtraVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("extra var %q is not key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// defaultStorePath places the run history database under the user's
// home directory.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".drover", "drover.db")
	}
	return filepath.Join(home, ".drover", "drover.db")
}

// openStore opens the run history database, creating its directory and
// running migrations as needed.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path == "" {
		path = defaultStorePath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return stores.Open(ctx, path)
}
