package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paychecklabs/paycheck/internal/config"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/server"
	"github.com/paychecklabs/paycheck/internal/store"
)

var newKeyFlag string

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt all sealed secrets under a new master key",
	Long: `Re-encrypts every envelope-encrypted secret (project signing keys,
license keys, payment provider credentials, email keys) under a new
master key.

The replacement key comes from --new-key or the NEW_MASTER_KEY
environment variable, base64-encoded 32 bytes. The swap is
transactional: on any failure the database keeps the old ciphertexts.
After a successful rotation update MASTER_KEY to the new value before
the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRotateKey(cmd)
	},
}

func init() {
	rotateKeyCmd.Flags().StringVar(&newKeyFlag, "new-key", "",
		"base64-encoded 32-byte replacement master key (falls back to NEW_MASTER_KEY)")
}

func runRotateKey(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrConfig, err)
	}

	encoded := strings.TrimSpace(newKeyFlag)
	if encoded == "" {
		encoded = strings.TrimSpace(os.Getenv("NEW_MASTER_KEY"))
	}
	if encoded == "" {
		return fmt.Errorf("%w: new master key is required (--new-key or NEW_MASTER_KEY)", server.ErrConfig)
	}

	oldVault, err := crypto.NewVault(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrConfig, err)
	}
	newVault, err := crypto.NewVaultFromBase64(encoded)
	if err != nil {
		return fmt.Errorf("%w: new master key: %w", server.ErrConfig, err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrStorage, err)
	}
	defer st.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypting secrets in %s...\n", cfg.DatabasePath)
	rotated, err := st.RotateMasterKey(cmd.Context(), oldVault, newVault)
	if err != nil {
		return fmt.Errorf("%w: rotate master key: %w", server.ErrStorage, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rotated %d sealed values. Update MASTER_KEY before the next start.\n", rotated)
	return nil
}
