package metrics

import (
	"time"

	"github.com/flashgate/flashgate/internal/observability"
)

// Service-level metrics following Prometheus conventions
var (
	// Sweeper metrics
	SweepRunsTotal   = "sweeper_runs_total"
	SweepDuration    = "sweeper_run_duration_ms"
	SweepReclaimed   = "sweeper_reclaimed_total"
	ServerStartTime  = "app_server_start_time_seconds"
	HealthCheckTotal = "app_health_check_total"
)

// RecordSweep records one sweeper task run and how many items it reclaimed
func RecordSweep(task string, reclaimed int64, duration time.Duration, err error) {
	if observability.TelemetrySystem == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
	}

	_ = observability.TelemetrySystem.Counter(
		SweepRunsTotal,
		1,
		map[string]string{"task": task, "status": status},
	)
	_ = observability.TelemetrySystem.Histogram(
		SweepDuration,
		duration,
		map[string]string{"task": task},
	)
	if reclaimed > 0 {
		_ = observability.TelemetrySystem.Counter(
			SweepReclaimed,
			float64(reclaimed),
			map[string]string{"task": task},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
