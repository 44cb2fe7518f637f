package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/domain"
)

const (
	SessionAccessTTL  = 15 * time.Minute
	SessionRefreshTTL = 7 * 24 * time.Hour

	refreshTokenBytes = 40
	issuer            = "trailblazer"
)

var ErrInvalidSession = errors.New("invalid session token")

type claims struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	TwitchID    string `json:"twitchId"`
	jwt.RegisteredClaims
}

// SessionIssuer mints internal session pairs: an HS256 access token and a single-use refresh token.
type SessionIssuer struct {
	secret []byte
	store  domain.RefreshTokenStore
	users  domain.UserRepository
	clock  clockwork.Clock
	parser *jwt.Parser
}

func NewSessionIssuer(secret string, store domain.RefreshTokenStore, users domain.UserRepository, clock clockwork.Clock) *SessionIssuer {
	return &SessionIssuer{
		secret: []byte(secret),
		store:  store,
		users:  users,
		clock:  clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithTimeFunc(clock.Now),
		),
	}
}

func (s *SessionIssuer) Issue(ctx context.Context, user *domain.User) (domain.TokenPair, error) {
	now := s.clock.Now()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ID:          user.ID.String(),
		Username:    user.Username,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		TwitchID:    user.TwitchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionAccessTTL)),
		},
	}).SignedString(s.secret)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return domain.TokenPair{}, err
	}
	if err := s.store.Save(ctx, refresh, user.ID, SessionRefreshTTL); err != nil {
		return domain.TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}

	return domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(SessionAccessTTL.Seconds()),
	}, nil
}

// Redeem consumes refreshToken and issues a fresh pair. A token can be redeemed once.
func (s *SessionIssuer) Redeem(ctx context.Context, refreshToken string) (domain.TokenPair, *domain.User, error) {
	userID, err := s.store.Redeem(ctx, refreshToken)
	if err != nil {
		return domain.TokenPair{}, nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return domain.TokenPair{}, nil, fmt.Errorf("load session user: %w", err)
	}

	pair, err := s.Issue(ctx, user)
	if err != nil {
		return domain.TokenPair{}, nil, err
	}
	return pair, user, nil
}

func (s *SessionIssuer) Verify(accessToken string) (*domain.SessionClaims, error) {
	var c claims
	if _, err := s.parser.ParseWithClaims(accessToken, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad user id", ErrInvalidSession)
	}

	return &domain.SessionClaims{
		UserID:      id,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		AvatarURL:   c.AvatarURL,
		TwitchID:    c.TwitchID,
	}, nil
}

func (s *SessionIssuer) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	return s.store.RevokeAll(ctx, userID)
}

func newRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
