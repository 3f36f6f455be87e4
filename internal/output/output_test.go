package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/sweeper"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"table", FormatTable},
		{"JSON", FormatJSON},
		{"", FormatTable},
		{" md ", FormatMarkdown},
		{"markdown", FormatMarkdown},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFormat("csv")
	require.Error(t, err)
}

func sampleQuotas() (core.QueueStats, []core.InventoryQuota) {
	stats := core.QueueStats{SaleID: "drop", Waiting: 12, InFlight: 3, MaxInFlight: 50}
	quotas := []core.InventoryQuota{
		{SaleID: "drop", ProductID: "sneaker", TotalUnits: 100, ReservedUnits: 5, SoldUnits: 20},
		{SaleID: "drop", ProductID: "hoodie", TotalUnits: 10, SoldUnits: 10},
	}
	return stats, quotas
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, SaleStatus(sampleQuotas())))

	out := buf.String()
	assert.Contains(t, out, "Sale drop: 12 waiting, 3/50 in flight")
	assert.Contains(t, out, "sneaker")
	assert.Contains(t, out, "75")
	assert.Contains(t, out, "╭")
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatMarkdown, SaleStatus(sampleQuotas())))

	out := buf.String()
	assert.Contains(t, out, "## Sale drop")
	assert.Contains(t, out, "sneaker")
	assert.Contains(t, out, "---")
	assert.NotContains(t, out, "╭")
}

func TestWriteJSONUsesData(t *testing.T) {
	stats, quotas := sampleQuotas()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, SaleStatus(stats, quotas)))

	var decoded struct {
		Queue  core.QueueStats       `json:"queue"`
		Quotas []core.InventoryQuota `json:"quotas"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 12, decoded.Queue.Waiting)
	require.Len(t, decoded.Quotas, 2)
	assert.Equal(t, int64(75), decoded.Quotas[0].Available())
}

func TestWriteEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, Buckets(nil)))
	assert.Equal(t, "(no stored rate limit state)\n", buf.String())
}

func TestReservationView(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	v := Reservation(core.Reservation{
		ID: "r-1", SaleID: "drop", ProductID: "sneaker", Holder: "u-1", Quantity: 2,
		State: core.ReservationReleased, ReleaseReason: core.ReleaseExpired,
		ExpiresAt: at, CreatedAt: at.Add(-10 * time.Minute),
	})

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, v))
	out := buf.String()
	assert.Contains(t, out, "Reservation r-1")
	assert.Contains(t, out, "released")
	assert.Contains(t, out, string(core.ReleaseExpired))
	assert.Contains(t, out, "2026-06-01T12:00:00Z")
}

func TestSweepView(t *testing.T) {
	v := Sweep([]sweeper.Result{
		{Task: "reservations", Reclaimed: 4, Duration: time.Millisecond},
		{Task: "buckets", Reclaimed: 2, Error: "redis: connection refused"},
	})
	require.Len(t, v.Rows, 2)
	assert.Equal(t, "ok", v.Rows[0][3])
	assert.Equal(t, "redis: connection refused", v.Rows[1][3])
	assert.Equal(t, int64(6), v.Footer[1])
}

func TestHealthViewSorted(t *testing.T) {
	v := Health("degraded", map[string]string{"store": "healthy", "breaker.redis": "degraded"})
	require.Len(t, v.Rows, 2)
	assert.Equal(t, "breaker.redis", v.Rows[0][0])
	assert.Equal(t, "Health: degraded", v.Title)
}
