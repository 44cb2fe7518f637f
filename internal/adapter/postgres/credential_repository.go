package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/crypto"
)

// CredentialRepo stores the external refresh token, encrypted at rest by cipher.
type CredentialRepo struct {
	pool   *pgxpool.Pool
	cipher crypto.Service
}

var _ domain.CredentialRepository = (*CredentialRepo)(nil)

func NewCredentialRepo(pool *pgxpool.Pool, cipher crypto.Service) *CredentialRepo {
	return &CredentialRepo{pool: pool, cipher: cipher}
}

// GetByTwitchID returns ErrCredentialNotFound only when the user is unknown.
// A known user without an auth row yields an unusable credential.
func (r *CredentialRepo) GetByTwitchID(ctx context.Context, twitchID string) (*domain.ExternalCredential, error) {
	var (
		cred      domain.ExternalCredential
		token     *string
		expiresAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT u.id, u.twitch_id, a.twitch_refresh_token, a.twitch_token_expires_at
		FROM users u
		LEFT JOIN auths a ON a.user_id = u.id
		WHERE u.twitch_id = $1
	`, twitchID).Scan(&cred.UserID, &cred.TwitchID, &token, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if token != nil && *token != "" {
		cred.RefreshToken, err = r.cipher.Decrypt(*token)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	if expiresAt != nil {
		cred.ExpiresAt = *expiresAt
	}
	return &cred, nil
}

func (r *CredentialRepo) Save(ctx context.Context, userID uuid.UUID, refreshToken string, expiresAt time.Time) error {
	enc, err := r.cipher.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO auths (user_id, twitch_refresh_token, twitch_token_expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			twitch_refresh_token = EXCLUDED.twitch_refresh_token,
			twitch_token_expires_at = EXCLUDED.twitch_token_expires_at,
			updated_at = NOW()
	`, userID, enc, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (r *CredentialRepo) Clear(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE auths
		SET twitch_refresh_token = NULL, twitch_token_expires_at = NULL, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
