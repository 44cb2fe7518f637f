package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/app"
	"github.com/pscheid92/trailblazer/internal/broadcast"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localBus delivers synchronously to the subscribers of this process.
type localBus struct {
	mu       sync.Mutex
	handlers map[string][]domain.EventHandler
}

func newLocalBus() *localBus {
	return &localBus{handlers: make(map[string][]domain.EventHandler)}
}

func (b *localBus) Publish(ctx context.Context, topic string, evt domain.RealtimeEvent) error {
	b.mu.Lock()
	handlers := append([]domain.EventHandler(nil), b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
	return nil
}

func (b *localBus) Subscribe(_ context.Context, topic string, h domain.EventHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nopSubscription{}, nil
}

func (b *localBus) Close() error { return nil }

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

// firstWordStore is the first-word widget of testUserID, serving both the write
// path (key rotation) and the cached read path.
type firstWordStore struct {
	mu  sync.Mutex
	cfg domain.FirstWordConfig
}

func (s *firstWordStore) key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.OverlayKey
}

func (s *firstWordStore) RotateOverlayKey(_ context.Context, ownerID uuid.UUID, _ domain.WidgetKind, key string) (*domain.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ownerID != s.cfg.OwnerID {
		return nil, domain.ErrWidgetNotFound
	}
	s.cfg.OverlayKey = key
	w := s.cfg.Widget
	return &w, nil
}

func (s *firstWordStore) Delete(context.Context, uuid.UUID, domain.WidgetKind) (*domain.Widget, error) {
	return nil, domain.ErrWidgetNotFound
}

func (s *firstWordStore) GetByOwner(_ context.Context, ownerID uuid.UUID) (*domain.FirstWordConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ownerID != s.cfg.OwnerID {
		return nil, domain.ErrWidgetNotFound
	}
	cfg := s.cfg
	return &cfg, nil
}

func (s *firstWordStore) GetByChannel(context.Context, string) (*domain.FirstWordConfig, error) {
	return nil, domain.ErrWidgetNotFound
}

func (s *firstWordStore) Invalidate(context.Context, domain.Widget) error { return nil }

// openStream connects to an overlay SSE endpoint and waits for the connected event.
func openStream(t *testing.T, baseURL, key string) (*http.Response, *bufio.Reader) {
	t.Helper()
	resp, err := http.Get(baseURL + sseURL(testUserID.String(), key))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := bufio.NewReader(resp.Body)
	line, err := body.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: connected\n", line)
	return resp, body
}

func requireStreamEnds(t *testing.T, body *bufio.Reader) {
	t.Helper()
	ended := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, body)
		ended <- err
	}()
	select {
	case err := <-ended:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("overlay stream is still open")
	}
}

func TestOverlayKeyRotation_EndsDeliveryOnOldKey(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := &firstWordStore{cfg: domain.FirstWordConfig{Widget: domain.Widget{
		OwnerID: testUserID, TwitchID: "chan-1", Kind: domain.KindFirstWord, OverlayKey: testOverlayKey,
	}}}
	bus := newLocalBus()

	registry := broadcast.NewRegistry(domain.KindFirstWord, func(ctx context.Context, ownerID uuid.UUID) (string, error) {
		cfg, err := store.GetByOwner(ctx, ownerID)
		if err != nil {
			return "", err
		}
		return cfg.OverlayKey, nil
	}, clock, nil, 0)
	t.Cleanup(registry.Stop)
	require.NoError(t, broadcast.NewRelay(bus, registry, domain.TopicFirstWordAudio).Start(t.Context()))

	service := app.NewFirstWordService(app.FirstWordDeps{
		Widgets: store,
		Configs: store,
		Evictor: broadcast.NewEvictor(bus),
	})
	srv := newTestServer(t,
		func(d *Deps) { d.Clock = clock; d.FirstWord = service },
		withOverlay(registry, NewConnectionLimits(clock, 10, 10, 100, 100)),
	)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	_, oldStream := openStream(t, ts.URL, testOverlayKey)
	require.Eventually(t, func() bool { return registry.Count(testUserID) == 1 }, time.Second, 5*time.Millisecond)

	rec := serve(srv, authedRequest(http.MethodPost, "/api/v1/widgets/first-word/refresh-key", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated domain.Widget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	require.NotEqual(t, testOverlayKey, rotated.OverlayKey)
	assert.Equal(t, rotated.OverlayKey, store.key())

	requireStreamEnds(t, oldStream)
	assert.Eventually(t, func() bool { return registry.Count(testUserID) == 0 }, time.Second, 5*time.Millisecond)

	refused := serve(srv, httptest.NewRequest(http.MethodGet, sseURL(testUserID.String(), testOverlayKey), nil))
	assert.Equal(t, http.StatusUnauthorized, refused.Code)

	openStream(t, ts.URL, rotated.OverlayKey)
	assert.Eventually(t, func() bool { return registry.Count(testUserID) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOverlayRegistration_RechecksKey(t *testing.T) {
	// The first lookup sees the old key; the rotation lands before the second one.
	var lookups atomic.Int32
	keys := func(context.Context, uuid.UUID) (string, error) {
		if lookups.Add(1) == 1 {
			return testOverlayKey, nil
		}
		return "rotated-" + testOverlayKey, nil
	}

	clock := clockwork.NewRealClock()
	registry := newOverlayRegistry(t, clock, keys)
	limits := NewConnectionLimits(clock, 10, 10, 100, 100)
	srv := newTestServer(t, func(d *Deps) { d.Clock = clock }, withOverlay(registry, limits))

	rec := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, sseURL(testUserID.String(), testOverlayKey), nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept serving a revoked key")
	}
	assert.EqualValues(t, 2, lookups.Load())
	assert.Equal(t, 0, registry.Count(testUserID))
	assert.Equal(t, 0, limits.Current())
}

func TestServerShutdown_EndsOverlayStreams(t *testing.T) {
	clock := clockwork.NewRealClock()
	registry := newOverlayRegistry(t, clock, ownerKey)
	srv := newTestServer(t, func(d *Deps) { d.Clock = clock }, withOverlay(registry, NewConnectionLimits(clock, 10, 10, 100, 100)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.echo.Listener = ln
	serving := make(chan error, 1)
	go func() { serving <- srv.echo.Start("") }()

	_, stream := openStream(t, "http://"+ln.Addr().String(), testOverlayKey)
	require.Eventually(t, func() bool { return registry.Count(testUserID) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second, "shutdown waited on the overlay stream")

	requireStreamEnds(t, stream)
	assert.ErrorIs(t, <-serving, http.ErrServerClosed)
	assert.ErrorIs(t, registry.Register(testUserID, nil), broadcast.ErrRegistryStopped)
}
