package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <binary> <sha256>",
	Short: "Force-restore a binary from its archived content hash",
	Long: `rollback does not query the control plane for a desired hash: it
restores the binary from its archived copy of the given hash and
restarts it through the supervisor. Progress events and the installed
hash are still reported to the control plane, as for an upgrade.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		binaryName, targetHash := args[0], args[1]

		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.log.Sync()
		if d.progQ != nil {
			defer d.progQ.Close()
		}

		result := d.orch.Rollback(cmd.Context(), binaryName, targetHash)
		if result.Err != nil {
			d.log.Error("rollback failed", zap.String("binary", binaryName), zap.Error(result.Err))
			return fmt.Errorf("rollback %s: %w", binaryName, result.Err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s to %s (%s)\n", binaryName, targetHash, result.FinalState)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}
