package metrics

import (
	"github.com/flashgate/flashgate/internal/observability"
)

// Admission metric names
const (
	RateLimitDecisionsTotal = "ratelimit_decisions_total"
	WaitroomEventsTotal     = "waitroom_events_total"
	WaitroomWaiting         = "waitroom_waiting"
	WaitroomInFlight        = "waitroom_in_flight"
	ReservationsTotal       = "reservations_total"
	BreakerState            = "breaker_state"
)

// RecordRateLimitDecision counts an admit or reject for a scope
func RecordRateLimitDecision(scope string, allowed bool) {
	if observability.TelemetrySystem == nil {
		return
	}
	result := "admit"
	if !allowed {
		result = "reject"
	}
	_ = observability.TelemetrySystem.Counter(
		RateLimitDecisionsTotal,
		1,
		map[string]string{"scope": scope, "result": result},
	)
}

// RecordWaitroomEvent counts enqueue/admit/expire/cancel/claim events for a sale
func RecordWaitroomEvent(sale, event string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		WaitroomEventsTotal,
		1,
		map[string]string{"sale": sale, "event": event},
	)
}

// SetWaitroomDepth publishes the waiting and in-flight counts of a sale
func SetWaitroomDepth(sale string, waiting, inFlight int) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{"sale": sale}
	_ = observability.TelemetrySystem.Gauge(WaitroomWaiting, float64(waiting), labels)
	_ = observability.TelemetrySystem.Gauge(WaitroomInFlight, float64(inFlight), labels)
}

// RecordReservation counts reservation outcomes (reserved, insufficient, committed, released, expired, ...)
func RecordReservation(outcome string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		ReservationsTotal,
		1,
		map[string]string{"outcome": outcome},
	)
}

// RecordBreakerState publishes the breaker state as 0 (closed), 1 (half-open) or 2 (open)
func RecordBreakerState(name, state string) {
	if observability.TelemetrySystem == nil {
		return
	}
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	_ = observability.TelemetrySystem.Gauge(
		BreakerState,
		value,
		map[string]string{"breaker": name},
	)
}
