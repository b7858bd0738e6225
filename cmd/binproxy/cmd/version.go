package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/binproxy/agent/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "binproxy version %s\n", config.AgentVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
