package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/output"
)

var reservationCmd = &cobra.Command{
	Use:     "reservation",
	Aliases: []string{"res"},
	Short:   "Inspect and settle reservations",
}

// reservationAction builds a subcommand that applies fn to one reservation.
func reservationAction(use, short string, fn func(ctx context.Context, rt *runtime, id string) (core.Reservation, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <reservation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), observability.CLILogger)
			if err != nil {
				return err
			}
			defer rt.Close()

			r, err := fn(cmd.Context(), rt, args[0])
			if err != nil {
				return err
			}
			return writeView(cmd, "reservation."+args[0], output.Reservation(r))
		},
	}
	addOutputFlags(c)
	return c
}

func init() {
	reservationCmd.AddCommand(
		reservationAction("show", "Show a reservation", func(ctx context.Context, rt *runtime, id string) (core.Reservation, error) {
			return rt.gate.Reservation(ctx, id)
		}),
		reservationAction("commit", "Mark a reservation sold", func(ctx context.Context, rt *runtime, id string) (core.Reservation, error) {
			return rt.gate.Commit(ctx, id)
		}),
		reservationAction("release", "Return a reservation's units", func(ctx context.Context, rt *runtime, id string) (core.Reservation, error) {
			return rt.gate.Release(ctx, id)
		}),
	)
	rootCmd.AddCommand(reservationCmd)
}
