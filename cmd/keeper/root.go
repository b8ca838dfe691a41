package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "keeper",
		Short:         "validator node companion: encrypted control channel client and election orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "keeper.yaml", "path to the configuration file")
	cmd.AddCommand(
		newRunCmd(&configPath),
		newWalletKeysCmd(),
		newGenerateConfigCmd(),
	)
	return cmd
}
