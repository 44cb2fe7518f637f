package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/adapter/twitch"
	"github.com/pscheid92/trailblazer/internal/app"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/config"
	"github.com/stretchr/testify/require"
)

const (
	testToken        = "good-token"
	testTwitchID     = "12345"
	testFrontend     = "https://app.trailblazer.example"
	testCookieSecret = "test-secret-key-32-bytes-long!!!"
)

var testUserID = uuid.MustParse("6f1c2a9e-8d0b-4c33-9f57-3e2f4a8b1c10")

// --- Mock implementations ---

type mockUserService struct {
	loginFn   func(ctx context.Context, code string) (domain.TokenPair, *domain.User, error)
	refreshFn func(ctx context.Context, refreshToken string) (domain.TokenPair, error)
	logoutFn  func(ctx context.Context, userID uuid.UUID) error
	meFn      func(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

func (m *mockUserService) Login(ctx context.Context, code string) (domain.TokenPair, *domain.User, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, code)
	}
	return domain.TokenPair{}, nil, errors.New("not implemented")
}

func (m *mockUserService) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return domain.TokenPair{}, errors.New("not implemented")
}

func (m *mockUserService) Logout(ctx context.Context, userID uuid.UUID) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, userID)
	}
	return nil
}

func (m *mockUserService) Me(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if m.meFn != nil {
		return m.meFn(ctx, userID)
	}
	return nil, domain.ErrUserNotFound
}

// mockSessions accepts testToken only.
type mockSessions struct{}

func (mockSessions) Verify(token string) (*domain.SessionClaims, error) {
	if token != testToken {
		return nil, domain.ErrAccessTokenInvalid
	}
	return &domain.SessionClaims{UserID: testUserID, Username: "streamer", TwitchID: testTwitchID}, nil
}

type mockOAuth struct{}

func (mockOAuth) AuthCodeURL(state string) string {
	return "https://id.twitch.tv/oauth2/authorize?state=" + state
}

type mockRewards struct {
	listFn func(ctx context.Context, twitchID string) ([]domain.CustomReward, error)
}

func (m *mockRewards) List(ctx context.Context, twitchID string) ([]domain.CustomReward, error) {
	if m.listFn != nil {
		return m.listFn(ctx, twitchID)
	}
	return nil, nil
}

type mockWidgetService[C any, U any] struct {
	createFn     func(ctx context.Context, ownerID uuid.UUID, channelID string) (C, error)
	getFn        func(ctx context.Context, ownerID uuid.UUID) (C, error)
	updateFn     func(ctx context.Context, ownerID uuid.UUID, u U) (C, error)
	deleteFn     func(ctx context.Context, ownerID uuid.UUID) error
	refreshKeyFn func(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error)
}

func (m *mockWidgetService[C, U]) Create(ctx context.Context, ownerID uuid.UUID, channelID string) (C, error) {
	if m.createFn != nil {
		return m.createFn(ctx, ownerID, channelID)
	}
	var zero C
	return zero, errors.New("not implemented")
}

func (m *mockWidgetService[C, U]) Get(ctx context.Context, ownerID uuid.UUID) (C, error) {
	if m.getFn != nil {
		return m.getFn(ctx, ownerID)
	}
	var zero C
	return zero, domain.ErrWidgetNotFound
}

func (m *mockWidgetService[C, U]) Update(ctx context.Context, ownerID uuid.UUID, u U) (C, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, ownerID, u)
	}
	var zero C
	return zero, errors.New("not implemented")
}

func (m *mockWidgetService[C, U]) Delete(ctx context.Context, ownerID uuid.UUID) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ownerID)
	}
	return nil
}

func (m *mockWidgetService[C, U]) RefreshOverlayKey(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error) {
	if m.refreshKeyFn != nil {
		return m.refreshKeyFn(ctx, ownerID)
	}
	return nil, errors.New("not implemented")
}

type mockAudio struct {
	uploadFn func(ctx context.Context, ownerID uuid.UUID, upload app.AudioUpload) (*domain.FirstWordConfig, error)
}

func (m *mockAudio) UploadAudio(ctx context.Context, ownerID uuid.UUID, upload app.AudioUpload) (*domain.FirstWordConfig, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, ownerID, upload)
	}
	return nil, errors.New("not implemented")
}

// mockGateway skips signature checks and hands the raw body to the handler.
type mockGateway struct{}

func (mockGateway) Handler(_ string, handle twitch.EventHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body json.RawMessage
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		if err := handle(c.Request().Context(), body); err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:         "development",
		FrontendOrigin: testFrontend,
		CookieSecret:   testCookieSecret,
	}
}

func newTestServer(t *testing.T, opts ...func(*Deps)) *Server {
	t.Helper()

	d := Deps{
		Config:   testConfig(),
		Clock:    clockwork.NewFakeClock(),
		Users:    &mockUserService{},
		Sessions: mockSessions{},
		OAuth:    mockOAuth{},
	}
	for _, opt := range opts {
		opt(&d)
	}

	return NewServer(d)
}

// serve runs req through the full router.
func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// callHandler wraps a handler with error middleware, matching production behavior
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware(nil)(handler)(c)
}
