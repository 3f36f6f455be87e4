package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/output"
	"github.com/flashgate/flashgate/internal/server/handlers"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the configured dependencies",
	Long: `Open the configured stores and report the same checks the gateway serves
on /health. Exits non-zero when any dependency is unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		rt, err := buildRuntime(ctx, observability.CLILogger)
		if err != nil {
			return err
		}
		defer rt.Close()

		hm := handlers.NewHealthManager(handlers.AppVersion)
		for name, check := range rt.healthChecks() {
			hm.RegisterChecker(name, check)
		}
		checks, status := hm.Run(ctx)

		if err := writeView(cmd, "health", output.Health(status, checks)); err != nil {
			return err
		}
		if status == handlers.StatusUnhealthy {
			return fmt.Errorf("health check failed: %s", status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "overall timeout for the checks")
	addOutputFlags(healthCmd)
}
