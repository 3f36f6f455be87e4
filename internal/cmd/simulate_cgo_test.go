//go:build cgo

package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/server/handlers"
)

func newSimRuntime(t *testing.T, opts simOptions) *runtime {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("breaker:\n  enabled: true\n"), 0o600))
	config.SetConfigFile(cfgPath)
	t.Cleanup(func() { config.SetConfigFile("") })

	cfg, err := config.Load(t.Context(), ephemeralOverrides(opts, filepath.Join(dir, "sim.db")))
	require.NoError(t, err)
	db, err := openStoreWith(t.Context(), cfg)
	require.NoError(t, err)
	rt, err := assemble(t.Context(), cfg, db, nil)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestSimulationNeverOversells(t *testing.T) {
	opts := simOptions{
		Sale:         "drop",
		Product:      "sneaker",
		Units:        10,
		Clients:      30,
		Quantity:     1,
		CommitRatio:  1,
		Rate:         1000,
		MaxInFlight:  5,
		PollInterval: time.Millisecond,
	}
	rt := newSimRuntime(t, opts)

	report, err := runSimulation(t.Context(), rt.gate, opts)
	require.NoError(t, err)

	assert.Equal(t, int64(30), report.Joined)
	assert.Equal(t, int64(30), report.Admitted)
	assert.Equal(t, int64(10), report.Committed)
	assert.Equal(t, int64(20), report.SoldOut)
	assert.Zero(t, report.Failed)

	require.Len(t, report.Quotas, 1)
	q := report.Quotas[0]
	assert.Equal(t, int64(10), q.SoldUnits)
	assert.Zero(t, q.ReservedUnits)
	assert.Zero(t, q.Available())
}

func TestSimulationReleasesReturnUnits(t *testing.T) {
	opts := simOptions{
		Sale:         "drop",
		Product:      "sneaker",
		Units:        50,
		Clients:      20,
		Quantity:     2,
		CommitRatio:  0.5,
		Rate:         1000,
		MaxInFlight:  4,
		PollInterval: time.Millisecond,
	}
	rt := newSimRuntime(t, opts)

	report, err := runSimulation(t.Context(), rt.gate, opts)
	require.NoError(t, err)

	assert.Equal(t, int64(20), report.Reserved)
	assert.Equal(t, int64(10), report.Committed)
	assert.Equal(t, int64(10), report.Released)
	require.Len(t, report.Quotas, 1)
	assert.Equal(t, int64(20), report.Quotas[0].SoldUnits)
	assert.Equal(t, int64(30), report.Quotas[0].Available())
}

func TestRuntimeHealthAndSweep(t *testing.T) {
	rt := newSimRuntime(t, simOptions{Sale: "drop", Product: "item", Units: 1, Rate: 1, MaxInFlight: 1})

	hm := handlers.NewHealthManager("test")
	for name, check := range rt.healthChecks() {
		hm.RegisterChecker(name, check)
	}
	checks, status := hm.Run(t.Context())
	assert.Equal(t, handlers.StatusHealthy, status)
	assert.Equal(t, handlers.StatusHealthy, checks["store"])
	assert.Contains(t, checks, "breaker.inventory")

	results, err := rt.newSweeper().RunOnce(t.Context())
	require.NoError(t, err)
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Task)
	}
	assert.ElementsMatch(t, []string{"reservations", "waitroom", "buckets", "queue_history"}, names)
}
