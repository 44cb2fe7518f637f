package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/retry"
)

const (
	WebhookBasePath = "/webhook/v1/twitch/event-sub/"

	appTokenTimeout       = 15 * time.Second
	retryInitialBackoff   = 1 * time.Second
	retryRateLimitBackoff = 30 * time.Second
)

var callbackPaths = map[string]string{
	domain.TopicChatMessage:      "chat-message-events",
	domain.TopicStreamOnline:     "stream-online-events",
	domain.TopicChatNotification: "channel-chat-notification",
	domain.TopicRewardRedemption: "channel-redemption-add",
}

// CallbackPath is the route the webhook for topic is served on.
func CallbackPath(topic string) string {
	return WebhookBasePath + callbackPaths[topic]
}

// Topics lists every EventSub topic the service handles.
func Topics() []string {
	return []string{domain.TopicChatMessage, domain.TopicStreamOnline, domain.TopicChatNotification, domain.TopicRewardRedemption}
}

// EventSubManager maintains webhook-transport subscriptions with the app token.
type EventSubManager struct {
	client *helix.Client

	origin    string
	secret    string
	botUserID string
}

var _ domain.SubscriptionManager = (*EventSubManager)(nil)

func NewEventSubManager(clientID, clientSecret, origin, secret, botUserID string) (*EventSubManager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), appTokenTimeout)
	defer cancel()

	auth := helix.NewAuthClient(helix.AuthConfig{ClientID: clientID, ClientSecret: clientSecret})
	client := helix.NewClient(clientID, auth)

	if _, err := auth.GetAppAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("failed to get app access token: %w", err)
	}

	return newEventSubManager(client, origin, secret, botUserID), nil
}

func newEventSubManager(client *helix.Client, origin, secret, botUserID string) *EventSubManager {
	return &EventSubManager{
		client:    client,
		origin:    strings.TrimSuffix(origin, "/"),
		secret:    secret,
		botUserID: botUserID,
	}
}

func (m *EventSubManager) condition(topic, broadcasterID string) map[string]string {
	cond := map[string]string{"broadcaster_user_id": broadcasterID}
	switch topic {
	case domain.TopicChatMessage, domain.TopicChatNotification:
		cond["user_id"] = m.botUserID
	}
	return cond
}

// EnsureSubscription creates the subscription unless an enabled one for the broadcaster already exists.
func (m *EventSubManager) EnsureSubscription(ctx context.Context, topic, broadcasterID string) error {
	if _, ok := callbackPaths[topic]; !ok {
		return fmt.Errorf("unsupported EventSub topic %q", topic)
	}

	existing, err := m.find(ctx, topic, broadcasterID)
	if err != nil {
		return err
	}
	for _, sub := range existing {
		if sub.Status == "enabled" {
			slog.DebugContext(ctx, "EventSub subscription already enabled", "topic", topic, "broadcaster_user_id", broadcasterID)
			return nil
		}
	}

	p := retryPolicy()
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub subscribe failed, retrying", "topic", topic, "broadcaster_user_id", broadcasterID, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	params := helix.CreateEventSubSubscriptionParams{
		Type:      topic,
		Version:   "1",
		Condition: m.condition(topic, broadcasterID),
		Transport: helix.CreateEventSubTransport{
			Method:   "webhook",
			Callback: m.origin + CallbackPath(topic),
			Secret:   m.secret,
		},
	}
	sub, err := retry.Do(ctx, p, classifyEventSubError, func(ctx context.Context) (*helix.EventSubSubscription, error) {
		return m.client.CreateEventSubSubscription(ctx, &params)
	})
	if apiErr, ok := errors.AsType[*helix.APIError](err); ok && apiErr.StatusCode == http.StatusConflict {
		slog.InfoContext(ctx, "EventSub subscription already exists on Twitch", "topic", topic, "broadcaster_user_id", broadcasterID)
		return nil
	}
	if err != nil {
		label := "after retries"
		if _, ok := errors.AsType[*retry.PermanentError](err); ok {
			label = "permanent"
		}
		return fmt.Errorf("EventSub subscribe %s failed (%s): %w", topic, label, err)
	}
	if sub == nil {
		return errors.New("no subscription returned from Twitch API")
	}

	slog.InfoContext(ctx, "Subscribed to EventSub topic", "topic", topic, "broadcaster_user_id", broadcasterID, "subscription_id", sub.ID)
	return nil
}

// RemoveSubscriptions deletes every subscription of the given topics for the broadcaster.
// Failures are collected; a partial removal is reported, not rolled back.
func (m *EventSubManager) RemoveSubscriptions(ctx context.Context, broadcasterID string, topics ...string) error {
	var errs []error
	for _, topic := range topics {
		subs, err := m.find(ctx, topic, broadcasterID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, sub := range subs {
			if err := m.deleteSubscription(ctx, sub.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			slog.InfoContext(ctx, "Removed EventSub subscription", "topic", topic, "broadcaster_user_id", broadcasterID, "subscription_id", sub.ID)
		}
	}
	return errors.Join(errs...)
}

func (m *EventSubManager) find(ctx context.Context, topic, broadcasterID string) ([]helix.EventSubSubscription, error) {
	params := helix.GetEventSubSubscriptionsParams{Type: topic}
	var found []helix.EventSubSubscription

	for {
		resp, err := m.client.GetEventSubSubscriptions(ctx, &params)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s subscriptions: %w", topic, err)
		}

		for _, sub := range resp.Data {
			if sub.Condition["broadcaster_user_id"] == broadcasterID {
				found = append(found, sub)
			}
		}

		if resp.Pagination == nil || resp.Pagination.Cursor == "" {
			return found, nil
		}
		params.PaginationParams = &helix.PaginationParams{After: resp.Pagination.Cursor}
	}
}

func (m *EventSubManager) deleteSubscription(ctx context.Context, id string) error {
	p := retryPolicy()
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "EventSub unsubscribe failed, retrying", "subscription_id", id, "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	err := retry.DoVoid(ctx, p, classifyEventSubError, func(ctx context.Context) error {
		return m.client.DeleteEventSubSubscription(ctx, id)
	})
	if apiErr, ok := errors.AsType[*helix.APIError](err); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

func classifyEventSubError(err error) retry.Action {
	apiErr, ok := errors.AsType[*helix.APIError](err)
	if !ok {
		return retry.Retry
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case apiErr.StatusCode >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}

func retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
	}
}
