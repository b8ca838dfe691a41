package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/validator-tools/keeper/config"
)

func newWalletKeysCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "generate-wallet-keys",
		Short: "generate a wallet seed phrase and write the keys file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("refusing to overwrite existing keys file %s", output)
			}
			keys, err := config.NewWalletKeys()
			if err != nil {
				return fmt.Errorf("failed to generate wallet keys: %w", err)
			}
			raw, err := json.MarshalIndent(keys, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(raw, '\n'), 0600); err != nil {
				return fmt.Errorf("failed to write keys file: %w", err)
			}
			cmd.Printf("wallet keys written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "wallet-keys.json", "path of the keys file to write")
	return cmd
}
