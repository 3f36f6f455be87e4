package output

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/sweeper"
)

const timeLayout = time.RFC3339

// Buckets lists persisted token buckets.
func Buckets(records []core.BucketRecord) View {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, table.Row{
			r.Key,
			fmt.Sprintf("%.2f", r.Tokens),
			fmt.Sprintf("%.0f", r.Capacity),
			fmt.Sprintf("%.3f/s", r.RefillRate),
			r.UpdatedAt.Format(timeLayout),
		})
	}
	return View{
		Title:  "Rate limit buckets",
		Header: table.Row{"Key", "Tokens", "Capacity", "Refill", "Updated"},
		Rows:   rows,
		Empty:  "(no stored rate limit state)",
		Data:   records,
	}
}

// SaleStatus shows the waiting room and inventory of one sale.
func SaleStatus(stats core.QueueStats, quotas []core.InventoryQuota) View {
	rows := make([]table.Row, 0, len(quotas))
	var total, reserved, sold int64
	for _, q := range quotas {
		rows = append(rows, table.Row{q.ProductID, q.TotalUnits, q.ReservedUnits, q.SoldUnits, q.Available()})
		total += q.TotalUnits
		reserved += q.ReservedUnits
		sold += q.SoldUnits
	}
	return View{
		Title: fmt.Sprintf("Sale %s: %d waiting, %d/%d in flight",
			stats.SaleID, stats.Waiting, stats.InFlight, stats.MaxInFlight),
		Header: table.Row{"Product", "Total", "Reserved", "Sold", "Available"},
		Rows:   rows,
		Footer: table.Row{"", total, reserved, sold, total - reserved - sold},
		Empty:  fmt.Sprintf("sale %s has no provisioned inventory", stats.SaleID),
		Data: map[string]any{
			"queue":  stats,
			"quotas": quotas,
		},
	}
}

// Reservation shows a single reservation.
func Reservation(r core.Reservation) View {
	reason := "-"
	if r.ReleaseReason != "" {
		reason = string(r.ReleaseReason)
	}
	return View{
		Title:  "Reservation " + r.ID,
		Header: table.Row{"Field", "Value"},
		Rows: []table.Row{
			{"Sale", r.SaleID},
			{"Product", r.ProductID},
			{"Holder", r.Holder},
			{"Quantity", r.Quantity},
			{"State", r.State},
			{"Release reason", reason},
			{"Expires", r.ExpiresAt.Format(timeLayout)},
			{"Created", r.CreatedAt.Format(timeLayout)},
		},
		Data: r,
	}
}

// Sweep summarizes one sweeper pass.
func Sweep(results []sweeper.Result) View {
	rows := make([]table.Row, 0, len(results))
	var reclaimed int64
	for _, res := range results {
		status := "ok"
		if res.Error != "" {
			status = res.Error
		}
		rows = append(rows, table.Row{res.Task, res.Reclaimed, res.Duration.Round(time.Microsecond), status})
		reclaimed += res.Reclaimed
	}
	return View{
		Title:  "Sweep",
		Header: table.Row{"Task", "Reclaimed", "Duration", "Status"},
		Rows:   rows,
		Footer: table.Row{"", reclaimed, "", ""},
		Data:   results,
	}
}

// Health lists component checks.
func Health(status string, checks map[string]string) View {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		rows = append(rows, table.Row{name, checks[name]})
	}
	return View{
		Title:  "Health: " + status,
		Header: table.Row{"Component", "Status"},
		Rows:   rows,
		Data:   map[string]any{"status": status, "checks": checks},
	}
}
