package credential

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) (*SessionIssuer, *domain.User, *memRefreshStore, *clockwork.FakeClock) {
	t.Helper()
	user := &domain.User{ID: uuid.New(), TwitchID: "1001", Username: "streamer", DisplayName: "Streamer", AvatarURL: "https://a/p.png"}
	store := newMemRefreshStore()
	clock := clockwork.NewFakeClock()
	return NewSessionIssuer("test-jwt-secret", store, newMemUsers(user), clock), user, store, clock
}

func TestSessionIssuer_IssueAndVerify(t *testing.T) {
	issuer, user, store, _ := newTestIssuer(t)

	pair, err := issuer.Issue(context.Background(), user)
	require.NoError(t, err)
	assert.Len(t, pair.RefreshToken, 80)
	assert.Equal(t, 900, pair.ExpiresIn)
	assert.Equal(t, 1, store.count())

	c, err := issuer.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, c.UserID)
	assert.Equal(t, "streamer", c.Username)
	assert.Equal(t, "Streamer", c.DisplayName)
	assert.Equal(t, "1001", c.TwitchID)
}

func TestSessionIssuer_VerifyRejectsExpiredAndForeign(t *testing.T) {
	issuer, user, _, clock := newTestIssuer(t)
	pair, err := issuer.Issue(context.Background(), user)
	require.NoError(t, err)

	other := NewSessionIssuer("another-secret", newMemRefreshStore(), newMemUsers(), clock)
	_, err = other.Verify(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidSession)

	clock.Advance(SessionAccessTTL + time.Second)
	_, err = issuer.Verify(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = issuer.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionIssuer_RefreshTokenIsSingleUse(t *testing.T) {
	issuer, user, _, _ := newTestIssuer(t)
	ctx := context.Background()
	pair, err := issuer.Issue(ctx, user)
	require.NoError(t, err)

	next, redeemedBy, err := issuer.Redeem(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, redeemedBy.ID)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, _, err = issuer.Redeem(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrRefreshTokenInvalid)

	_, _, err = issuer.Redeem(ctx, next.RefreshToken)
	assert.NoError(t, err, "the rotated token is still good")
}

func TestSessionIssuer_RevokeAll(t *testing.T) {
	issuer, user, store, _ := newTestIssuer(t)
	ctx := context.Background()
	first, err := issuer.Issue(ctx, user)
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, user)
	require.NoError(t, err)

	require.NoError(t, issuer.RevokeAll(ctx, user.ID))
	assert.Equal(t, 0, store.count())

	_, _, err = issuer.Redeem(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrRefreshTokenInvalid)
}
