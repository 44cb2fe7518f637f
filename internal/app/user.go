package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/credential"
	"github.com/pscheid92/trailblazer/internal/domain"
)

type sessions interface {
	Issue(ctx context.Context, user *domain.User) (domain.TokenPair, error)
	Redeem(ctx context.Context, refreshToken string) (domain.TokenPair, *domain.User, error)
}

type logouter interface {
	ForceLogout(ctx context.Context, userID uuid.UUID) error
}

type UserDeps struct {
	Users    domain.UserRepository
	Creds    domain.CredentialRepository
	OAuth    domain.OAuthClient
	Twitch   domain.TwitchAPI
	Tokens   domain.AccessTokenCache
	Sessions sessions
	Logout   logouter
	Clock    clockwork.Clock
}

type UserService struct {
	users    domain.UserRepository
	creds    domain.CredentialRepository
	oauth    domain.OAuthClient
	twitch   domain.TwitchAPI
	tokens   domain.AccessTokenCache
	sessions sessions
	logout   logouter
	clock    clockwork.Clock
}

func NewUserService(d UserDeps) *UserService {
	return &UserService{
		users:    d.Users,
		creds:    d.Creds,
		oauth:    d.OAuth,
		twitch:   d.Twitch,
		tokens:   d.Tokens,
		sessions: d.Sessions,
		logout:   d.Logout,
		clock:    d.Clock,
	}
}

// Login redeems an OAuth authorization code: the Twitch account is upserted, its refresh
// token stored, and an internal session pair issued.
func (s *UserService) Login(ctx context.Context, code string) (domain.TokenPair, *domain.User, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return domain.TokenPair{}, nil, fmt.Errorf("exchange code: %w", err)
	}

	info, err := s.oauth.Validate(ctx, tok.AccessToken)
	if err != nil {
		return domain.TokenPair{}, nil, fmt.Errorf("validate token: %w", err)
	}

	tu, err := s.twitch.GetUser(ctx, tok.AccessToken, info.UserID)
	if err != nil {
		return domain.TokenPair{}, nil, fmt.Errorf("fetch twitch user: %w", err)
	}

	user, err := s.users.Upsert(ctx, tu.ID, tu.Login, tu.DisplayName, tu.ProfileImageURL)
	if err != nil {
		return domain.TokenPair{}, nil, fmt.Errorf("upsert user: %w", err)
	}

	expiresAt := s.clock.Now().Add(credential.RefreshTokenLifetime)
	if err := s.creds.Save(ctx, user.ID, tok.RefreshToken, expiresAt); err != nil {
		return domain.TokenPair{}, nil, fmt.Errorf("store credential: %w", err)
	}

	if err := s.tokens.Set(ctx, user.TwitchID, tok.AccessToken, credential.AccessTokenTTL); err != nil {
		slog.WarnContext(ctx, "Failed to cache access token at login", "twitch_id", user.TwitchID, "error", err)
	}

	pair, err := s.sessions.Issue(ctx, user)
	if err != nil {
		return domain.TokenPair{}, nil, err
	}

	slog.InfoContext(ctx, "User logged in", "user_id", user.ID, "username", user.Username)
	return pair, user, nil
}

// Refresh rotates an internal refresh token. Reuse of a redeemed token fails with ErrRefreshTokenInvalid.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	pair, _, err := s.sessions.Redeem(ctx, refreshToken)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("redeem refresh token: %w", err)
	}
	return pair, nil
}

func (s *UserService) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := s.logout.ForceLogout(ctx, userID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	slog.InfoContext(ctx, "User logged out", "user_id", userID)
	return nil
}

func (s *UserService) Me(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

// RewardsService lists a channel's custom channel-point rewards, for binding perk classes to them.
type RewardsService struct {
	broker domain.CredentialBroker
	twitch domain.TwitchAPI
}

func NewRewardsService(broker domain.CredentialBroker, twitch domain.TwitchAPI) *RewardsService {
	return &RewardsService{broker: broker, twitch: twitch}
}

func (s *RewardsService) List(ctx context.Context, twitchID string) ([]domain.CustomReward, error) {
	token, err := s.broker.ExternalAccessToken(ctx, twitchID)
	if err != nil {
		return nil, fmt.Errorf("user access token: %w", err)
	}
	rewards, err := s.twitch.GetCustomRewards(ctx, token, twitchID)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	return rewards, nil
}
