package cmd

import (
	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/output"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry pass",
	Long: `Release expired reservations, expire idle waiting-room entries, evict idle
rate limit buckets and purge old queue history once, then exit. Useful when
the gateway runs with --no-sweeper and a scheduler drives expiry instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), observability.CLILogger)
		if err != nil {
			return err
		}
		defer rt.Close()

		results, sweepErr := rt.newSweeper().RunOnce(cmd.Context())
		if err := writeView(cmd, "sweep", output.Sweep(results)); err != nil {
			return err
		}
		return sweepErr
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	addOutputFlags(sweepCmd)
}
