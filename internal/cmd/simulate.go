package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/admission"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/output"
)

// simOptions describe one simulated sale rush.
type simOptions struct {
	Sale         string
	Product      string
	Units        int64
	Clients      int
	Quantity     int64
	CommitRatio  float64
	Rate         float64
	MaxInFlight  int
	PollInterval time.Duration
	Timeout      time.Duration
	Ephemeral    bool
}

// simReport counts the outcomes of a simulation.
type simReport struct {
	Clients     int64         `json:"clients"`
	Joined      int64         `json:"joined"`
	RateLimited int64         `json:"rate_limited"`
	Admitted    int64         `json:"admitted"`
	Expired     int64         `json:"expired"`
	Reserved    int64         `json:"reserved"`
	SoldOut     int64         `json:"sold_out"`
	Committed   int64         `json:"committed"`
	Released    int64         `json:"released"`
	Failed      int64         `json:"failed"`
	Elapsed     time.Duration `json:"elapsed"`

	Quotas []core.InventoryQuota `json:"quotas"`
}

type simCounters struct {
	joined, rateLimited, admitted, expired atomic.Int64
	reserved, soldOut, committed, released atomic.Int64
	failed                                 atomic.Int64
}

var simOpts simOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive virtual buyers through a sale",
	Long: `Run a crowd of virtual buyers against a sale in-process: join the waiting
room, poll until admitted, reserve, then commit or release. With --ephemeral
the run uses a throwaway store, the memory bucket backend and a sale built
from the flags, so nothing configured is touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), simOpts.Timeout)
		defer cancel()

		var overrides []map[string]any
		if simOpts.Ephemeral {
			dir, err := os.MkdirTemp("", "flashgate-sim-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir) // nolint:errcheck // best-effort cleanup
			overrides = append(overrides, ephemeralOverrides(simOpts, filepath.Join(dir, "sim.db")))
		}

		cfg, err := config.Load(ctx, overrides...)
		if err != nil {
			return fmt.Errorf("%w: %w", errConfig, err)
		}
		db, err := openStoreWith(ctx, cfg)
		if err != nil {
			return err
		}
		rt, err := assemble(ctx, cfg, db, observability.CLILogger)
		if err != nil {
			return err
		}
		defer rt.Close()

		report, err := runSimulation(ctx, rt.gate, simOpts)
		if err != nil {
			return err
		}
		return writeView(cmd, "simulate."+simOpts.Sale, simulationView(report))
	},
}

// ephemeralOverrides builds a self-contained config for a throwaway run.
func ephemeralOverrides(o simOptions, dbPath string) map[string]any {
	return map[string]any{
		"store": map[string]any{
			"driver": "libsql",
			"path":   dbPath,
			"url":    "",
		},
		"ratelimit": map[string]any{
			"backend": config.BackendMemory,
		},
		"sweeper": map[string]any{
			"enabled": false,
		},
		"sales": []any{
			map[string]any{
				"id":                        o.Sale,
				"admission_rate_per_second": o.Rate,
				"max_in_flight":             o.MaxInFlight,
				"products":                  map[string]any{o.Product: o.Units},
			},
		},
	}
}

// runSimulation runs o.Clients buyers concurrently against gate.
func runSimulation(ctx context.Context, gate *admission.Gate, o simOptions) (simReport, error) {
	var c simCounters
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.Clients; i++ {
		g.Go(func() error {
			return simulateBuyer(gctx, gate, o, i, &c)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return simReport{}, err
	}

	quotas, err := gate.Engine().Quotas(context.WithoutCancel(ctx), o.Sale)
	if err != nil {
		return simReport{}, err
	}
	return simReport{
		Clients:     int64(o.Clients),
		Joined:      c.joined.Load(),
		RateLimited: c.rateLimited.Load(),
		Admitted:    c.admitted.Load(),
		Expired:     c.expired.Load(),
		Reserved:    c.reserved.Load(),
		SoldOut:     c.soldOut.Load(),
		Committed:   c.committed.Load(),
		Released:    c.released.Load(),
		Failed:      c.failed.Load(),
		Elapsed:     time.Since(start),
		Quotas:      quotas,
	}, nil
}

// simulateBuyer walks one buyer through join, poll, reserve and settle.
// Domain outcomes are counted; only context errors stop the group.
func simulateBuyer(ctx context.Context, gate *admission.Gate, o simOptions, i int, c *simCounters) error {
	req := ratelimit.Request{
		Identity: fmt.Sprintf("sim-%04d", i),
		Tier:     core.TierAuthenticated,
	}
	if i%10 == 0 {
		req.Tier = core.TierPremium
	}

	joined, err := gate.Join(ctx, req, o.Sale)
	if err != nil {
		return countFailure(ctx, c, err)
	}
	if !joined.Decision.Allowed {
		c.rateLimited.Add(1)
		return nil
	}
	c.joined.Add(1)

	var ticket *core.AdmissionTicket
	for ticket == nil {
		poll, err := gate.Poll(ctx, joined.Token)
		if err != nil {
			return countFailure(ctx, c, err)
		}
		switch poll.Status {
		case core.PollAdmitted:
			ticket = poll.Ticket
		case core.PollExpired:
			c.expired.Add(1)
			return nil
		default:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.PollInterval):
			}
		}
	}
	c.admitted.Add(1)

	res, err := gate.Reserve(ctx, admission.ReserveRequest{
		Request:   req,
		SaleID:    o.Sale,
		ProductID: o.Product,
		Quantity:  o.Quantity,
		Ticket:    ticket,
	})
	switch {
	case errors.Is(err, core.ErrInsufficientInventory):
		c.soldOut.Add(1)
		return nil
	case err != nil:
		return countFailure(ctx, c, err)
	case res.Reservation == nil:
		c.rateLimited.Add(1)
		return nil
	}
	c.reserved.Add(1)

	if shouldCommit(i, o.CommitRatio) {
		if _, err := gate.Commit(ctx, res.Reservation.ID); err != nil {
			return countFailure(ctx, c, err)
		}
		c.committed.Add(1)
		return nil
	}
	if _, err := gate.Release(ctx, res.Reservation.ID); err != nil {
		return countFailure(ctx, c, err)
	}
	c.released.Add(1)
	return nil
}

// shouldCommit spreads commits evenly over buyer indexes.
func shouldCommit(i int, ratio float64) bool {
	if ratio <= 0 {
		return false
	}
	if ratio >= 1 {
		return true
	}
	return int(float64(i+1)*ratio) > int(float64(i)*ratio)
}

func countFailure(ctx context.Context, c *simCounters, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.failed.Add(1)
	if observability.CLILogger != nil {
		observability.CLILogger.Debug("Simulated buyer failed", zap.Error(err))
	}
	return nil
}

func simulationView(r simReport) output.View {
	rows := []table.Row{
		{"Clients", r.Clients},
		{"Joined", r.Joined},
		{"Rate limited", r.RateLimited},
		{"Admitted", r.Admitted},
		{"Expired in queue", r.Expired},
		{"Reserved", r.Reserved},
		{"Sold out", r.SoldOut},
		{"Committed", r.Committed},
		{"Released", r.Released},
		{"Failed", r.Failed},
	}
	for _, q := range r.Quotas {
		rows = append(rows, table.Row{"Available " + q.ProductID, fmt.Sprintf("%d/%d", q.Available(), q.TotalUnits)})
	}
	return output.View{
		Title:  fmt.Sprintf("Simulation (%s)", r.Elapsed.Round(time.Millisecond)),
		Header: table.Row{"Outcome", "Count"},
		Rows:   rows,
		Data:   r,
	}
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simOpts.Sale, "sale", "demo", "sale to run against")
	f.StringVar(&simOpts.Product, "product", "item", "product every buyer reserves")
	f.Int64Var(&simOpts.Units, "units", 100, "units provisioned for an ephemeral sale")
	f.IntVar(&simOpts.Clients, "clients", 200, "number of virtual buyers")
	f.Int64Var(&simOpts.Quantity, "quantity", 1, "units per reservation")
	f.Float64Var(&simOpts.CommitRatio, "commit-ratio", 0.8, "share of reservations committed; the rest are released")
	f.Float64Var(&simOpts.Rate, "rate", 50, "admissions per second for an ephemeral sale")
	f.IntVar(&simOpts.MaxInFlight, "max-in-flight", 20, "admitted buyers allowed at once for an ephemeral sale")
	f.DurationVar(&simOpts.PollInterval, "poll-interval", 20*time.Millisecond, "delay between waiting-room polls")
	f.DurationVar(&simOpts.Timeout, "timeout", 2*time.Minute, "overall deadline")
	f.BoolVar(&simOpts.Ephemeral, "ephemeral", false, "use a throwaway store and a sale built from the flags")
	addOutputFlags(simulateCmd)
	rootCmd.AddCommand(simulateCmd)
}
