package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*domain.User
}

func newMemUsers(users ...*domain.User) *memUsers {
	m := &memUsers{users: make(map[uuid.UUID]*domain.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, domain.ErrUserNotFound
}

func (m *memUsers) GetByTwitchID(_ context.Context, twitchID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TwitchID == twitchID {
			return u, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (m *memUsers) Upsert(context.Context, string, string, string, string) (*domain.User, error) {
	return nil, fmt.Errorf("not implemented")
}

type memCreds struct {
	mu      sync.Mutex
	creds   map[string]*domain.ExternalCredential
	saves   int
	clears  int
	saveErr error
}

func newMemCreds(creds ...domain.ExternalCredential) *memCreds {
	m := &memCreds{creds: make(map[string]*domain.ExternalCredential)}
	for _, c := range creds {
		m.creds[c.TwitchID] = &c
	}
	return m
}

func (m *memCreds) GetByTwitchID(_ context.Context, twitchID string) (*domain.ExternalCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[twitchID]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCreds) Save(_ context.Context, userID uuid.UUID, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	for _, c := range m.creds {
		if c.UserID == userID {
			c.RefreshToken = refreshToken
			c.ExpiresAt = expiresAt
		}
	}
	return nil
}

func (m *memCreds) Clear(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	for _, c := range m.creds {
		if c.UserID == userID {
			c.RefreshToken = ""
			c.ExpiresAt = time.Time{}
		}
	}
	return nil
}

func (m *memCreds) stored(twitchID string) domain.ExternalCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.creds[twitchID]
}

type fakeOAuth struct {
	mu        sync.Mutex
	refreshFn func(ctx context.Context, refreshToken string) (*domain.OAuthToken, error)
	valid     map[string]bool
	refreshes int
	validErr  error
}

func (f *fakeOAuth) Exchange(context.Context, string) (*domain.OAuthToken, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeOAuth) Refresh(ctx context.Context, refreshToken string) (*domain.OAuthToken, error) {
	f.mu.Lock()
	f.refreshes++
	fn := f.refreshFn
	f.mu.Unlock()
	return fn(ctx, refreshToken)
}

func (f *fakeOAuth) Validate(_ context.Context, accessToken string) (*domain.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validErr != nil {
		return nil, f.validErr
	}
	if f.valid[accessToken] {
		return &domain.TokenInfo{}, nil
	}
	return nil, domain.ErrAccessTokenInvalid
}

func (f *fakeOAuth) AuthCodeURL(state string) string { return "https://auth?state=" + state }

func (f *fakeOAuth) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type memTokenCache struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokenCache() *memTokenCache {
	return &memTokenCache{tokens: make(map[string]string)}
}

func (c *memTokenCache) Get(_ context.Context, twitchID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[twitchID], nil
}

func (c *memTokenCache) Set(_ context.Context, twitchID, token string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[twitchID] = token
	return nil
}

func (c *memTokenCache) Delete(_ context.Context, twitchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, twitchID)
	return nil
}

type memRefreshStore struct {
	mu      sync.Mutex
	tokens  map[string]uuid.UUID
	revoked []uuid.UUID
}

func newMemRefreshStore() *memRefreshStore {
	return &memRefreshStore{tokens: make(map[string]uuid.UUID)}
}

func (s *memRefreshStore) Save(_ context.Context, token string, userID uuid.UUID, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
	return nil
}

func (s *memRefreshStore) Redeem(_ context.Context, token string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return uuid.Nil, domain.ErrRefreshTokenInvalid
	}
	delete(s.tokens, token)
	return id, nil
}

func (s *memRefreshStore) RevokeAll(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, id := range s.tokens {
		if id == userID {
			delete(s.tokens, tok)
		}
	}
	s.revoked = append(s.revoked, userID)
	return nil
}

func (s *memRefreshStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
