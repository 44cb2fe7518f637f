package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fallbackTTL        = 5 * time.Minute
	maxFallbackEntries = 10_000
)

// CircuitBreakerHook fails Redis commands fast once Redis looks unhealthy.
// While open, GET is answered from the last value seen for that key (up to fallbackTTL old);
// every other command fails with circuitbreaker.ErrOpen so callers take their store fallback.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]

	mu   sync.RWMutex
	last map[string]lastValue
	now  func() time.Time
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type lastValue struct {
	data string
	at   time.Time
}

// NewCircuitBreakerHook opens at a 60% failure rate over at least 5 commands in 10s,
// probes again after 30s and closes on the first success.
func NewCircuitBreakerHook(m *metrics.BreakerMetrics) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed", "component", "redis", "from", e.OldState.String(), "to", e.NewState.String())
			if m != nil {
				m.StateChanges.WithLabelValues("redis", e.NewState.String()).Inc()
				m.State.WithLabelValues("redis").Set(stateValue(e.NewState))
			}
		}).
		Build()

	return &CircuitBreakerHook{cb: cb, last: make(map[string]lastValue), now: time.Now}
}

func stateValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis dial: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, err
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.fallback(cmd)
		}

		err := next(ctx, cmd)
		switch {
		case err == nil:
			h.cb.RecordSuccess()
			h.remember(cmd)
		case errors.Is(err, goredis.Nil), goredis.HasErrorPrefix(err, "NOSCRIPT"):
			// NOSCRIPT is answered by Script.Run falling back to EVAL.
			h.cb.RecordSuccess()
		case isCallerError(err):
			// cancelled by the caller, says nothing about Redis health
		default:
			h.cb.RecordError(err)
		}
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis pipeline: %w", circuitbreaker.ErrOpen)
		}
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, goredis.Nil) && !isCallerError(err) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		return err
	}
}

func isCallerError(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (h *CircuitBreakerHook) fallback(cmd goredis.Cmder) error {
	if sc, ok := cmd.(*goredis.StringCmd); ok && cmd.Name() == "get" {
		if v, ok := h.lookup(keyOf(cmd)); ok {
			slog.Debug("Circuit breaker open, serving last GET value", "key", keyOf(cmd))
			sc.SetVal(v)
			return nil
		}
	}
	err := fmt.Errorf("redis %s: %w", cmd.Name(), circuitbreaker.ErrOpen)
	cmd.SetErr(err)
	return err
}

func (h *CircuitBreakerHook) remember(cmd goredis.Cmder) {
	sc, ok := cmd.(*goredis.StringCmd)
	if !ok || cmd.Name() != "get" {
		return
	}
	key := keyOf(cmd)
	if key == "" {
		return
	}
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.last) >= maxFallbackEntries {
		for k, v := range h.last {
			if now.Sub(v.at) > fallbackTTL {
				delete(h.last, k)
			}
		}
	}
	h.last[key] = lastValue{data: sc.Val(), at: now}
}

func (h *CircuitBreakerHook) lookup(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.last[key]
	if !ok || h.now().Sub(v.at) > fallbackTTL {
		return "", false
	}
	return v.data, true
}

func keyOf(cmd goredis.Cmder) string {
	args := cmd.Args()
	if len(args) < 2 {
		return ""
	}
	return fmt.Sprint(args[1])
}
