// Package breaker builds the circuit breakers that guard unofficial upstreams (Twitch GQL, the perk wiki).
package breaker

import (
	"log/slog"
	"time"

	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/sony/gobreaker/v2"
)

// New returns a breaker that opens after 5 consecutive failures and probes again after 30s.
// State changes are logged and exported under component name.
func New[T any](name string, m *metrics.BreakerMetrics) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.StateChanges.WithLabelValues(name, to.String()).Inc()
				m.State.WithLabelValues(name).Set(StateValue(to))
			}
		},
	})
}

func StateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
