package twitch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/platform/correlation"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
	"github.com/pscheid92/trailblazer/internal/platform/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxBodyBytes     = 1 << 20
	maxMessageAge    = 10 * time.Minute
	dispatchTimeout  = 30 * time.Second
	signaturePrefix  = "sha256="
	statusEnabled    = "enabled"
	statusVerifyPend = "webhook_callback_verification_pending"
)

// EventHandler processes the "event" object of one EventSub notification.
type EventHandler func(ctx context.Context, event json.RawMessage) error

type Deduper interface {
	FirstDelivery(ctx context.Context, messageID string) (bool, error)
}

type envelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// Gateway authenticates EventSub webhook deliveries and hands notifications to per-topic handlers.
// Handlers run after the response is written; Shutdown waits for them.
type Gateway struct {
	secret  []byte
	dedup   Deduper
	clock   clockwork.Clock
	metrics *metrics.WebhookMetrics

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func NewGateway(secret string, dedup Deduper, clock clockwork.Clock, m *metrics.WebhookMetrics) *Gateway {
	return &Gateway{secret: []byte(secret), dedup: dedup, clock: clock, metrics: m}
}

// Handler returns the echo handler for one EventSub topic.
func (g *Gateway) Handler(topic string, handle EventHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
		if err != nil {
			return apperrors.ValidationError("failed to read body")
		}
		if len(body) > maxBodyBytes {
			g.count(topic, "too_large")
			return apperrors.ValidationError("body too large")
		}

		messageID := req.Header.Get(helix.EventSubHeaderMessageID)
		timestamp := req.Header.Get(helix.EventSubHeaderMessageTimestamp)

		if !g.validSignature(messageID, timestamp, req.Header.Get(helix.EventSubHeaderMessageSignature), body) {
			g.count(topic, "bad_signature")
			return apperrors.ForbiddenError("invalid signature")
		}
		if !g.fresh(timestamp) {
			g.count(topic, "stale")
			return apperrors.ForbiddenError("message too old").WithField("timestamp", timestamp)
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			g.count(topic, "malformed")
			return apperrors.ValidationError("malformed body")
		}

		switch env.Subscription.Status {
		case statusVerifyPend:
			slog.InfoContext(req.Context(), "EventSub callback verification", "topic", topic, "subscription_id", env.Subscription.ID)
			g.count(topic, "verification")
			return c.String(http.StatusOK, env.Challenge)

		case statusEnabled:
			return g.accept(c, topic, messageID, env.Event, handle)

		default:
			slog.WarnContext(req.Context(), "EventSub delivery with unexpected status",
				"topic", topic, "status", env.Subscription.Status, "subscription_id", env.Subscription.ID)
			g.count(topic, "unexpected_status")
			return apperrors.ValidationError("unexpected subscription status").WithField("status", env.Subscription.Status)
		}
	}
}

func (g *Gateway) accept(c echo.Context, topic, messageID string, event json.RawMessage, handle EventHandler) error {
	ctx := correlation.Ensure(c.Request().Context())

	first, err := g.dedup.FirstDelivery(ctx, messageID)
	if err != nil {
		// Fail open: during a dedup outage a retried delivery may run twice.
		slog.WarnContext(ctx, "Delivery dedup unavailable, dispatching anyway", "topic", topic, "message_id", messageID, "error", err)
		first = true
	}
	if !first {
		slog.DebugContext(ctx, "Duplicate EventSub delivery dropped", "topic", topic, "message_id", messageID)
		g.count(topic, "duplicate")
		return c.NoContent(http.StatusNoContent)
	}

	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		g.count(topic, "draining")
		return apperrors.UnavailableError("shutting down", nil)
	}
	g.inflight.Go(func() { g.dispatch(correlation.Detach(ctx), topic, messageID, event, handle) })
	g.mu.Unlock()

	g.count(topic, "dispatched")
	return c.NoContent(http.StatusNoContent)
}

func (g *Gateway) dispatch(ctx context.Context, topic, messageID string, event json.RawMessage, handle EventHandler) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "webhook.dispatch",
		attribute.String("eventsub.topic", topic),
		attribute.String("eventsub.message_id", messageID),
	)

	g.metrics.InFlight.Inc()
	start := g.clock.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		g.metrics.InFlight.Dec()
		g.metrics.DispatchDuration.WithLabelValues(topic).Observe(g.clock.Since(start).Seconds())
		telemetry.End(span, err)

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			slog.WarnContext(ctx, "EventSub handler timed out", "topic", topic, "timeout", dispatchTimeout)
		default:
			slog.ErrorContext(ctx, "EventSub handler failed", "topic", topic, "message_id", messageID, "error", err)
		}
	}()

	err = handle(ctx, event)
}

func (g *Gateway) validSignature(messageID, timestamp, signature string, body []byte) bool {
	if messageID == "" || timestamp == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (g *Gateway) fresh(timestamp string) bool {
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return false
	}
	return g.clock.Since(ts) <= maxMessageAge
}

func (g *Gateway) count(topic, outcome string) {
	g.metrics.Deliveries.WithLabelValues(topic, outcome).Inc()
}

// Shutdown stops accepting notifications and waits for running handlers until ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook dispatch drain: %w", ctx.Err())
	}
}
