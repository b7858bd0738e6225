package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one update pass over every tracked binary",
	Long: `run is the command cron invokes: it loads the manifest, checks in
with the control plane, and processes every tracked binary once. It is
idempotent — binaries already at their desired hash are a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps()
		if err != nil {
			return err
		}
		defer d.log.Sync()
		if d.progQ != nil {
			defer d.progQ.Close()
			d.progQ.DrainBefore(cmd.Context(), d.cp)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		color.New(color.FgCyan).Fprintln(cmd.OutOrStdout(), "binproxy: starting update pass")

		if err := d.drv.Run(ctx); err != nil {
			d.log.Error("run failed", zap.Error(err))
			return fmt.Errorf("run: %w", err)
		}

		color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "binproxy: update pass complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
