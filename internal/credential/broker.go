package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	validateTimeout = 5 * time.Second
	refreshTimeout  = 10 * time.Second

	// AccessTokenTTL bounds how long an external access token is served from cache.
	AccessTokenTTL = 15 * time.Minute

	// RefreshTokenLifetime is the platform's inactivity bound on refresh tokens.
	RefreshTokenLifetime = 30 * 24 * time.Hour
)

type Broker struct {
	users    domain.UserRepository
	creds    domain.CredentialRepository
	oauth    domain.OAuthClient
	cache    domain.AccessTokenCache
	sessions domain.RefreshTokenStore
	clock    clockwork.Clock
	metrics  *metrics.CredentialMetrics

	group singleflight.Group
}

var _ domain.CredentialBroker = (*Broker)(nil)

func NewBroker(
	users domain.UserRepository,
	creds domain.CredentialRepository,
	oauth domain.OAuthClient,
	cache domain.AccessTokenCache,
	sessions domain.RefreshTokenStore,
	clock clockwork.Clock,
	m *metrics.CredentialMetrics,
) *Broker {
	return &Broker{
		users:    users,
		creds:    creds,
		oauth:    oauth,
		cache:    cache,
		sessions: sessions,
		clock:    clock,
		metrics:  m,
	}
}

// ExternalAccessToken returns a platform access token acting as twitchID.
// Every failure is a *domain.AuthError; LoggedOut tells whether the user's sessions were ended.
func (b *Broker) ExternalAccessToken(ctx context.Context, twitchID string) (token string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "credential.external_access_token", attribute.String("twitch_id", twitchID))
	defer func() { telemetry.End(span, err) }()

	if tok, ok := b.cachedToken(ctx, twitchID); ok {
		b.metrics.TokenRequests.WithLabelValues("cache").Inc()
		return tok, nil
	}

	// The refresh must outlive a caller that gives up: the platform has already rotated
	// the refresh token once the exchange succeeds, and the new one has to be persisted.
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := b.group.Do(twitchID, func() (any, error) {
		if tok, err := b.cache.Get(flightCtx, twitchID); err == nil && tok != "" {
			return tok, nil
		}
		return b.refresh(flightCtx, twitchID)
	})
	if shared {
		b.metrics.TokenRequests.WithLabelValues("shared").Inc()
	} else {
		b.metrics.TokenRequests.WithLabelValues("refresh").Inc()
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cachedToken returns the cached token when the platform still accepts it.
// A token that fails validation for a transient reason is kept and served.
func (b *Broker) cachedToken(ctx context.Context, twitchID string) (string, bool) {
	tok, err := b.cache.Get(ctx, twitchID)
	if err != nil {
		slog.WarnContext(ctx, "Access token cache read failed", "twitch_id", twitchID, "error", err)
		return "", false
	}
	if tok == "" {
		return "", false
	}

	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	_, err = b.oauth.Validate(vctx, tok)
	switch {
	case err == nil:
		return tok, true
	case errors.Is(err, domain.ErrAccessTokenInvalid):
		if err := b.cache.Delete(ctx, twitchID); err != nil {
			slog.WarnContext(ctx, "Failed to evict invalid access token", "twitch_id", twitchID, "error", err)
		}
		return "", false
	default:
		slog.WarnContext(ctx, "Access token validation unavailable, serving cached token", "twitch_id", twitchID, "error", err)
		return tok, true
	}
}

func (b *Broker) refresh(ctx context.Context, twitchID string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "credential.refresh", attribute.String("twitch_id", twitchID))
	var err error
	defer func() { telemetry.End(span, err) }()

	cred, err := b.creds.GetByTwitchID(ctx, twitchID)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		b.metrics.Refreshes.WithLabelValues("no_credential").Inc()
		return "", &domain.AuthError{TwitchID: twitchID, Err: err}
	}
	if err != nil {
		b.metrics.Refreshes.WithLabelValues("error").Inc()
		return "", &domain.AuthError{TwitchID: twitchID, Err: fmt.Errorf("load credential: %w", err)}
	}

	if !cred.Usable(b.clock.Now()) {
		b.metrics.Refreshes.WithLabelValues("expired").Inc()
		err = fmt.Errorf("stored refresh token missing or expired: %w", domain.ErrTokenRejected)
		return "", b.logoutAfter(ctx, cred.UserID, twitchID, err)
	}

	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	tok, err := b.oauth.Refresh(rctx, cred.RefreshToken)
	if errors.Is(err, domain.ErrTokenRejected) {
		b.metrics.Refreshes.WithLabelValues("rejected").Inc()
		return "", b.logoutAfter(ctx, cred.UserID, twitchID, err)
	}
	if err != nil {
		b.metrics.Refreshes.WithLabelValues("error").Inc()
		return "", &domain.AuthError{TwitchID: twitchID, Err: fmt.Errorf("refresh exchange: %w", err)}
	}

	// The old refresh token is dead from here on; persisting comes before anything else.
	if err = b.creds.Save(ctx, cred.UserID, tok.RefreshToken, b.clock.Now().Add(RefreshTokenLifetime)); err != nil {
		b.metrics.Refreshes.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "Refresh succeeded but rotated token could not be stored", "twitch_id", twitchID, "error", err)
		return "", &domain.AuthError{TwitchID: twitchID, Err: fmt.Errorf("persist rotated refresh token: %w", err)}
	}

	if err := b.cache.Set(ctx, twitchID, tok.AccessToken, AccessTokenTTL); err != nil {
		slog.WarnContext(ctx, "Failed to cache refreshed access token", "twitch_id", twitchID, "error", err)
	}

	b.metrics.Refreshes.WithLabelValues("success").Inc()
	slog.InfoContext(ctx, "External access token refreshed", "twitch_id", twitchID)
	return tok.AccessToken, nil
}

func (b *Broker) logoutAfter(ctx context.Context, userID uuid.UUID, twitchID string, cause error) error {
	if err := b.forceLogout(ctx, userID, twitchID); err != nil {
		slog.ErrorContext(ctx, "Forced logout incomplete", "twitch_id", twitchID, "error", err)
	}
	slog.WarnContext(ctx, "External credential dead, user logged out", "twitch_id", twitchID, "error", cause)
	return &domain.AuthError{TwitchID: twitchID, LoggedOut: true, Err: cause}
}

// ForceLogout ends every session of the user: the stored external credential, the cached
// access token, and all internal refresh tokens. Each step is attempted.
func (b *Broker) ForceLogout(ctx context.Context, userID uuid.UUID) error {
	user, err := b.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	return b.forceLogout(ctx, userID, user.TwitchID)
}

func (b *Broker) forceLogout(ctx context.Context, userID uuid.UUID, twitchID string) error {
	b.metrics.ForcedLogouts.Inc()

	var errs []error
	if err := b.creds.Clear(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("clear credential: %w", err))
	}
	if err := b.cache.Delete(ctx, twitchID); err != nil {
		errs = append(errs, fmt.Errorf("evict access token: %w", err))
	}
	if err := b.sessions.RevokeAll(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("revoke sessions: %w", err))
	}
	return errors.Join(errs...)
}
