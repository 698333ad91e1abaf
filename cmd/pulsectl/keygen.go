package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brandpulse/engine/internal/vault"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a vault master key",
	Long:  `Generates a fresh base64-encoded 256-bit master key for payload sealing. Export it through the variable named by vault.key_env (BRANDPULSE_VAULT_KEY by default).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		fmt.Println(key)
		return nil
	},
}
