package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/validator-tools/keeper/config"
)

func newGenerateConfigCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "write a template configuration file to fill in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("refusing to overwrite existing config file %s", output)
			}
			raw, err := yaml.Marshal(config.Template())
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, raw, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			cmd.Printf("template configuration written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "keeper.yaml", "path of the config file to write")
	return cmd
}
