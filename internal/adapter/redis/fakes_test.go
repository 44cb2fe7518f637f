package redis

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

type fakeChatterRepo struct {
	mu       sync.Mutex
	chatters map[string][]string
	lists    int
	addErr   error
	// afterList runs once, after the next ListChatters has read its result.
	afterList func()
}

func newFakeChatterRepo() *fakeChatterRepo {
	return &fakeChatterRepo{chatters: make(map[string][]string)}
}

func (f *fakeChatterRepo) ListChatters(_ context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	f.lists++
	ids := slices.Clone(f.chatters[channelID])
	hook := f.afterList
	f.afterList = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ids, nil
}

func (f *fakeChatterRepo) HasChatter(_ context.Context, channelID, chatterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.chatters[channelID], chatterID), nil
}

func (f *fakeChatterRepo) AddChatter(_ context.Context, _ uuid.UUID, channelID, chatterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	if !slices.Contains(f.chatters[channelID], chatterID) {
		f.chatters[channelID] = append(f.chatters[channelID], chatterID)
	}
	return nil
}

func (f *fakeChatterRepo) DeleteChatters(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chatters, channelID)
	return nil
}

func (f *fakeChatterRepo) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// fakeConfigStore backs a ConfigLoader for first-word configs.
type fakeConfigStore struct {
	mu      sync.Mutex
	configs map[uuid.UUID]*domain.FirstWordConfig
	loads   int
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{configs: make(map[uuid.UUID]*domain.FirstWordConfig)}
}

func (f *fakeConfigStore) put(cfg *domain.FirstWordConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *cfg
	f.configs[cfg.OwnerID] = &c
}

func (f *fakeConfigStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeConfigStore) loader() ConfigLoader[*domain.FirstWordConfig] {
	return ConfigLoader[*domain.FirstWordConfig]{
		ByOwner: func(_ context.Context, ownerID uuid.UUID) (*domain.FirstWordConfig, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.loads++
			cfg, ok := f.configs[ownerID]
			if !ok {
				return nil, domain.ErrWidgetNotFound
			}
			c := *cfg
			return &c, nil
		},
		ByChannel: func(_ context.Context, channelID string) (*domain.FirstWordConfig, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.loads++
			for _, cfg := range f.configs {
				if cfg.TwitchID == channelID {
					c := *cfg
					return &c, nil
				}
			}
			return nil, domain.ErrWidgetNotFound
		},
	}
}

type fakePerkCounter struct {
	mu    sync.Mutex
	calls int
	n     int
}

func (f *fakePerkCounter) TotalPerks(context.Context, domain.PerkClassType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n, nil
}
