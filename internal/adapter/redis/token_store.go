package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// AccessTokenCache keeps short-lived Twitch user access tokens.
type AccessTokenCache struct {
	rdb goredis.Cmdable
}

var _ domain.AccessTokenCache = (*AccessTokenCache)(nil)

func NewAccessTokenCache(rdb goredis.Cmdable) *AccessTokenCache {
	return &AccessTokenCache{rdb: rdb}
}

func accessTokenKey(twitchID string) string {
	return "auth:twitch_access_token:twitch_id:" + twitchID
}

func (c *AccessTokenCache) Get(ctx context.Context, twitchID string) (string, error) {
	token, err := c.rdb.Get(ctx, accessTokenKey(twitchID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	return token, nil
}

func (c *AccessTokenCache) Set(ctx context.Context, twitchID, token string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, accessTokenKey(twitchID), token, ttl).Err(); err != nil {
		return fmt.Errorf("set access token: %w", err)
	}
	return nil
}

func (c *AccessTokenCache) Delete(ctx context.Context, twitchID string) error {
	if err := c.rdb.Del(ctx, accessTokenKey(twitchID)).Err(); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}

// RefreshTokenStore holds internal refresh tokens, each redeemable once.
// refresh_token:<token> maps to the user id; refresh_tokens:user:<id> indexes a user's tokens for revocation.
type RefreshTokenStore struct {
	rdb goredis.Cmdable
}

var _ domain.RefreshTokenStore = (*RefreshTokenStore)(nil)

func NewRefreshTokenStore(rdb goredis.Cmdable) *RefreshTokenStore {
	return &RefreshTokenStore{rdb: rdb}
}

func refreshTokenKey(token string) string {
	return "refresh_token:" + token
}

func userTokensKey(userID uuid.UUID) string {
	return "refresh_tokens:user:" + userID.String()
}

func (s *RefreshTokenStore) Save(ctx context.Context, token string, userID uuid.UUID, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, refreshTokenKey(token), userID.String(), ttl)
		p.SAdd(ctx, userTokensKey(userID), token)
		p.Expire(ctx, userTokensKey(userID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Redeem uses GETDEL so concurrent redemptions of one token cannot both succeed.
func (s *RefreshTokenStore) Redeem(ctx context.Context, token string) (uuid.UUID, error) {
	raw, err := s.rdb.GetDel(ctx, refreshTokenKey(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, domain.ErrRefreshTokenInvalid
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("redeem refresh token: %w", err)
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt refresh token entry: %w", err)
	}
	// The token is already spent; a stale index entry only costs RevokeAll one extra DEL key.
	if err := s.rdb.SRem(ctx, userTokensKey(userID), token).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to unindex redeemed refresh token", "user_id", userID, "error", err)
	}
	return userID, nil
}

func (s *RefreshTokenStore) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	index := userTokensKey(userID)
	tokens, err := s.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("list refresh tokens: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, refreshTokenKey(t))
	}
	keys = append(keys, index)

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}
