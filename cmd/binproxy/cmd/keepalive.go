package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/binproxy/agent/internal/identity"
)

var keepaliveCmd = &cobra.Command{
	Use:   "keepalive",
	Short: "Check in with the control plane without processing binaries",
	Long: `keepalive probes the node's identity and performs the same
keepalive-or-register handshake run does at the start of a pass, useful
for verifying connectivity or re-registering a node independent of the
cron schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.log.Sync()

		info, err := identity.Probe()
		if err != nil {
			return fmt.Errorf("probe node identity: %w", err)
		}

		if err := d.drv.Keepalive(cmd.Context(), info); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "keepalive ok for node %s\n", info.NodeID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keepaliveCmd)
}
