package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExternalCredential is the stored Twitch refresh token of a user.
// An empty RefreshToken means the user has no usable credential (logged out).
type ExternalCredential struct {
	UserID       uuid.UUID
	TwitchID     string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c *ExternalCredential) Usable(now time.Time) bool {
	return c.RefreshToken != "" && now.Before(c.ExpiresAt)
}

type CredentialRepository interface {
	GetByTwitchID(ctx context.Context, twitchID string) (*ExternalCredential, error)
	Save(ctx context.Context, userID uuid.UUID, refreshToken string, expiresAt time.Time) error
	Clear(ctx context.Context, userID uuid.UUID) error
}

// OAuthToken is a token set returned by the platform's token endpoint.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

type TokenInfo struct {
	UserID    string
	Login     string
	Scopes    []string
	ExpiresIn time.Duration
}

// OAuthClient talks to the platform's OAuth endpoints.
// Refresh wraps ErrTokenRejected when the refresh token is dead; Validate returns ErrAccessTokenInvalid for an expired or revoked token.
type OAuthClient interface {
	Exchange(ctx context.Context, code string) (*OAuthToken, error)
	Refresh(ctx context.Context, refreshToken string) (*OAuthToken, error)
	Validate(ctx context.Context, accessToken string) (*TokenInfo, error)
	AuthCodeURL(state string) string
}

// AccessTokenCache holds short-lived external access tokens keyed by Twitch user id.
// Get returns "" on a miss.
type AccessTokenCache interface {
	Get(ctx context.Context, twitchID string) (string, error)
	Set(ctx context.Context, twitchID, token string, ttl time.Duration) error
	Delete(ctx context.Context, twitchID string) error
}

// RefreshTokenStore holds single-use internal refresh tokens.
type RefreshTokenStore interface {
	Save(ctx context.Context, token string, userID uuid.UUID, ttl time.Duration) error
	// Redeem atomically consumes token. A second call for the same token returns ErrRefreshTokenInvalid.
	Redeem(ctx context.Context, token string) (uuid.UUID, error)
	RevokeAll(ctx context.Context, userID uuid.UUID) error
}

type CredentialBroker interface {
	ExternalAccessToken(ctx context.Context, twitchID string) (string, error)
}

// TokenPair is an internal session: a short-lived signed access token and a single-use refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type SessionClaims struct {
	UserID      uuid.UUID
	Username    string
	DisplayName string
	AvatarURL   string
	TwitchID    string
}
