package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"autobuild/internal/security"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "genkeys: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:           "genkeys",
		Short:         "Generate the ed25519 key pair used to sign ledger entries",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath := filepath.Join(dir, security.PrivateKeyFile)
			if _, err := os.Stat(privPath); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to replace it", privPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			kp, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := kp.Save(dir); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\nfingerprint: %s\n", privPath, filepath.Join(dir, security.PublicKeyFile), kp.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "keys", "Directory to write the key files to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key pair")
	return cmd
}
