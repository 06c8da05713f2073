package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
)

func newKeygenCommand() *cobra.Command {
	var (
		keyPath string
		comment string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an SSH keypair for host access",
		Long: `Generate an ed25519 SSH keypair for connecting to managed hosts.

The private key is written with mode 0600, the public key next to it
with a .pub suffix. Install the public key on hosts with ssh-copy-id
or an authorized_keys task, then point the inventory's private_key at
the private half.`,
		Example: `  # Default location
  drover keygen

  # Explicit path and comment
  drover keygen --path ./keys/deploy_ed25519 --comment drover@ops`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := keyPath
			if path == "" {
				path = defaultKeyPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (--force overwrites)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return fmt.Errorf("create key directory: %w", err)
			}

			pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			block, err := sshpkg.MarshalPrivateKey(privKey, comment)
			if err != nil {
				return fmt.Errorf("marshal private key: %w", err)
			}
			if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}

			sshPub, err := sshpkg.NewPublicKey(pubKey)
			if err != nil {
				return fmt.Errorf("encode public key: %w", err)
			}
			authorized := strings.TrimRight(string(sshpkg.MarshalAuthorizedKey(sshPub)), "\n")
			if comment != "" {
				authorized += " " + comment
			}
			if err := os.WriteFile(path+".pub", []byte(authorized+"\n"), 0644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}

			if jsonOutput {
				return printJSON(map[string]string{
					"path":       path,
					"public_key": authorized,
				})
			}
			fmt.Printf("✓ Generated SSH keypair: %s\n", path)
			fmt.Println(authorized)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyPath, "path", "", "private key path (default ~/.drover/keys/id_ed25519)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment embedded in the key")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")

	return cmd
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".drover", "keys", "id_ed25519")
	}
	return filepath.Join(home, ".drover", "keys", "id_ed25519")
}
