package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

var errBoom = errors.New("boom")

type fakeWidgets struct {
	mu      sync.Mutex
	widgets map[domain.WidgetKind]*domain.Widget
	keys    []string
}

func newFakeWidgets(ws ...domain.Widget) *fakeWidgets {
	f := &fakeWidgets{widgets: map[domain.WidgetKind]*domain.Widget{}}
	for _, w := range ws {
		f.widgets[w.Kind] = &w
	}
	return f
}

func (f *fakeWidgets) RotateOverlayKey(_ context.Context, _ uuid.UUID, kind domain.WidgetKind, key string) (*domain.Widget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.widgets[kind]
	if !ok {
		return nil, domain.ErrWidgetNotFound
	}
	w.OverlayKey = key
	f.keys = append(f.keys, key)
	cp := *w
	return &cp, nil
}

func (f *fakeWidgets) Delete(_ context.Context, _ uuid.UUID, kind domain.WidgetKind) (*domain.Widget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.widgets[kind]
	if !ok {
		return nil, domain.ErrWidgetNotFound
	}
	delete(f.widgets, kind)
	return w, nil
}

// fakeConfigs is a ConfigSource over fixed values.
type fakeConfigs[T domain.WidgetConfig] struct {
	mu          sync.Mutex
	byChannel   map[string]T
	byOwner     map[uuid.UUID]T
	err         error
	invalidated []domain.Widget
}

func newFakeConfigs[T domain.WidgetConfig](cfgs ...T) *fakeConfigs[T] {
	f := &fakeConfigs[T]{byChannel: map[string]T{}, byOwner: map[uuid.UUID]T{}}
	for _, c := range cfgs {
		f.byChannel[c.Base().TwitchID] = c
		f.byOwner[c.Base().OwnerID] = c
	}
	return f
}

func (f *fakeConfigs[T]) GetByOwner(_ context.Context, ownerID uuid.UUID) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.err != nil {
		return zero, f.err
	}
	c, ok := f.byOwner[ownerID]
	if !ok {
		return zero, domain.ErrWidgetNotFound
	}
	return c, nil
}

func (f *fakeConfigs[T]) GetByChannel(_ context.Context, channelID string) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.err != nil {
		return zero, f.err
	}
	c, ok := f.byChannel[channelID]
	if !ok {
		return zero, domain.ErrWidgetNotFound
	}
	return c, nil
}

func (f *fakeConfigs[T]) Invalidate(_ context.Context, w domain.Widget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, w)
	return nil
}

func (f *fakeConfigs[T]) invalidations() []domain.Widget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Widget(nil), f.invalidated...)
}

type fakeChatters struct {
	mu      sync.Mutex
	seen    map[string]bool
	markErr error
	resets  []string
}

func newFakeChatters() *fakeChatters {
	return &fakeChatters{seen: map[string]bool{}}
}

func (f *fakeChatters) HasSeen(_ context.Context, channelID, chatterID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[channelID+"/"+chatterID], nil
}

func (f *fakeChatters) MarkSeen(_ context.Context, _ uuid.UUID, channelID, chatterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.seen[channelID+"/"+chatterID] = true
	return nil
}

func (f *fakeChatters) Reset(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, channelID)
	for k := range f.seen {
		if len(k) > len(channelID) && k[:len(channelID)+1] == channelID+"/" {
			delete(f.seen, k)
		}
	}
	return nil
}

type fakeSubs struct {
	mu        sync.Mutex
	ensured   []string
	removed   []string
	ensureErr error
	removeErr error
}

func (f *fakeSubs) EnsureSubscription(_ context.Context, topic, broadcasterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, topic+"@"+broadcasterID)
	return nil
}

func (f *fakeSubs) RemoveSubscriptions(_ context.Context, broadcasterID string, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		f.removed = append(f.removed, t+"@"+broadcasterID)
	}
	return f.removeErr
}

type fakeEvictor struct {
	mu      sync.Mutex
	evicted []uuid.UUID
}

func (f *fakeEvictor) EvictAll(_ context.Context, _ domain.WidgetKind, ownerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, ownerID)
	return nil
}

func (f *fakeEvictor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.evicted)
}

type chatMessage struct {
	broadcasterID, senderID, text string
}

type shoutout struct {
	token, from, to, moderator string
}

type fakeTwitch struct {
	mu        sync.Mutex
	messages  []chatMessage
	shoutouts []shoutout
	chatErr   error
	soErr     error
	clips     []domain.Clip
	clipsErr  error
	clipsArgs []bool
	user      *domain.TwitchUser
	userToken string
	rewards   []domain.CustomReward
}

func (f *fakeTwitch) SendChatMessage(_ context.Context, broadcasterID, senderID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatErr != nil {
		return f.chatErr
	}
	f.messages = append(f.messages, chatMessage{broadcasterID, senderID, message})
	return nil
}

func (f *fakeTwitch) SendShoutout(_ context.Context, userToken, fromID, toID, moderatorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.soErr != nil {
		return f.soErr
	}
	f.shoutouts = append(f.shoutouts, shoutout{userToken, fromID, toID, moderatorID})
	return nil
}

func (f *fakeTwitch) GetClips(_ context.Context, _ string, featuredOnly bool) ([]domain.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clipsArgs = append(f.clipsArgs, featuredOnly)
	return f.clips, f.clipsErr
}

func (f *fakeTwitch) GetUser(_ context.Context, userToken, _ string) (*domain.TwitchUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userToken = userToken
	if f.user == nil {
		return nil, domain.ErrUserNotFound
	}
	return f.user, nil
}

func (f *fakeTwitch) GetCustomRewards(_ context.Context, userToken, _ string) ([]domain.CustomReward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userToken = userToken
	return f.rewards, nil
}

func (f *fakeTwitch) sent() []chatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatMessage(nil), f.messages...)
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][]domain.RealtimeEvent
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][]domain.RealtimeEvent{}}
}

func (f *fakeBus) Publish(_ context.Context, topic string, evt domain.RealtimeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], evt)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string, domain.EventHandler) (domain.Subscription, error) {
	return nil, errors.New("not used")
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) events(topic string) []domain.RealtimeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RealtimeEvent(nil), f.published[topic]...)
}

type fakeBlobs struct {
	mu      sync.Mutex
	signed  []string
	puts    map[string][]byte
	deleted []string
	putErr  error
}

func (f *fakeBlobs) Put(_ context.Context, key, _ string, body io.Reader, _ int64) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobs) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed = append(f.signed, key)
	return "https://media.example.com/" + key + "?ttl=" + ttl.String(), nil
}

type fakeBroker struct {
	mu     sync.Mutex
	tokens map[string]string
	asked  []string
}

func (f *fakeBroker) ExternalAccessToken(_ context.Context, twitchID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, twitchID)
	tok, ok := f.tokens[twitchID]
	if !ok {
		return "", &domain.AuthError{TwitchID: twitchID, Err: domain.ErrCredentialNotFound}
	}
	return tok, nil
}

type fakeClipResolver struct {
	err error
}

func (f *fakeClipResolver) ResolveClipURL(_ context.Context, clipID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://clips-media.example.com/" + clipID + ".mp4?sig=s&token=t", nil
}

type fakePerks struct {
	totals map[domain.PerkClassType]int
	err    error
}

func (f *fakePerks) TotalPerks(_ context.Context, class domain.PerkClassType) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.totals[class], nil
}
