package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepo_UpsertInsertsThenUpdates(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewUserRepo(pool)
	ctx := context.Background()

	first, err := repo.Upsert(ctx, "12345", "streamer", "Streamer", "https://a/1.png")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)

	second, err := repo.Upsert(ctx, "12345", "streamer_renamed", "Renamed", "https://a/2.png")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "streamer_renamed", second.Username)
	assert.Equal(t, "Renamed", second.DisplayName)
	assert.Equal(t, "https://a/2.png", second.AvatarURL)
}

func TestUserRepo_Lookups(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewUserRepo(pool)
	ctx := context.Background()
	created := createTestUser(t, pool, "777")

	byID, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "777", byID.TwitchID)

	byTwitch, err := repo.GetByTwitchID(ctx, "777")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byTwitch.ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = repo.GetByTwitchID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestCredentialRepo_SaveGetClear(t *testing.T) {
	pool := setupTestDB(t)
	cipher, err := crypto.New(testEncryptionKey)
	require.NoError(t, err)
	repo := NewCredentialRepo(pool, cipher)
	ctx := context.Background()
	user := createTestUser(t, pool, "42")

	cred, err := repo.GetByTwitchID(ctx, "42")
	require.NoError(t, err)
	assert.False(t, cred.Usable(time.Now()), "no auth row yet")

	expiry := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Save(ctx, user.ID, "refresh-abc", expiry))

	cred, err = repo.GetByTwitchID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, user.ID, cred.UserID)
	assert.Equal(t, "refresh-abc", cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.Equal(expiry))
	assert.True(t, cred.Usable(time.Now()))

	var stored string
	require.NoError(t, pool.QueryRow(ctx, `SELECT twitch_refresh_token FROM auths WHERE user_id = $1`, user.ID).Scan(&stored))
	assert.NotEqual(t, "refresh-abc", stored, "stored encrypted")

	require.NoError(t, repo.Save(ctx, user.ID, "refresh-def", expiry))
	cred, err = repo.GetByTwitchID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "refresh-def", cred.RefreshToken)

	require.NoError(t, repo.Clear(ctx, user.ID))
	cred, err = repo.GetByTwitchID(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, cred.RefreshToken)
	assert.False(t, cred.Usable(time.Now()))
}

func TestCredentialRepo_UnknownUser(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewCredentialRepo(pool, crypto.NoopService{})

	_, err := repo.GetByTwitchID(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}
