package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/adapter/twitch"
	"github.com/pscheid92/trailblazer/internal/app"
	"github.com/pscheid92/trailblazer/internal/broadcast"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/config"
)

type userService interface {
	Login(ctx context.Context, code string) (domain.TokenPair, *domain.User, error)
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
	Logout(ctx context.Context, userID uuid.UUID) error
	Me(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

type sessionVerifier interface {
	Verify(accessToken string) (*domain.SessionClaims, error)
}

type authCodeURLer interface {
	AuthCodeURL(state string) string
}

type rewardsLister interface {
	List(ctx context.Context, twitchID string) ([]domain.CustomReward, error)
}

type webhookGateway interface {
	Handler(topic string, handle twitch.EventHandler) echo.HandlerFunc
}

type overlayRegistry interface {
	Kind() domain.WidgetKind
	Authorize(ctx context.Context, ownerID uuid.UUID, key string) (bool, error)
	Register(ownerID uuid.UUID, conn broadcast.Conn) error
	Unregister(ownerID uuid.UUID, conn broadcast.Conn)
	Stop()
}

// Webhook binds an EventSub topic to the use case that handles its events.
type Webhook struct {
	Topic  string
	Handle twitch.EventHandler
}

type Deps struct {
	Config *config.Config
	Clock  clockwork.Clock

	Users    userService
	Sessions sessionVerifier
	OAuth    authCodeURLer
	Rewards  rewardsLister

	FirstWord     widgetService[*domain.FirstWordConfig, domain.FirstWordUpdate]
	ClipShoutout  widgetService[*domain.ClipShoutoutConfig, domain.ClipShoutoutUpdate]
	RandomDbdPerk widgetService[*app.RandomDbdPerkView, domain.RandomDbdPerkUpdate]
	Audio         audioUploader

	Gateway  webhookGateway
	Webhooks []Webhook

	Overlays []*broadcast.Registry
	Limits   *ConnectionLimits

	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler
	HealthChecks   []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	users    userService
	sessions sessionVerifier
	oauth    authCodeURLer
	rewards  rewardsLister

	firstWord     widgetService[*domain.FirstWordConfig, domain.FirstWordUpdate]
	clipShoutout  widgetService[*domain.ClipShoutoutConfig, domain.ClipShoutoutUpdate]
	randomDbdPerk widgetService[*app.RandomDbdPerkView, domain.RandomDbdPerkUpdate]
	audio         audioUploader

	gateway  webhookGateway
	webhooks []Webhook

	overlays []overlayRegistry
	limits   *ConnectionLimits
	upgrader websocket.Upgrader

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler

	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(d.HTTPMetrics)

	overlays := make([]overlayRegistry, 0, len(d.Overlays))
	for _, r := range d.Overlays {
		overlays = append(overlays, r)
	}

	srv := &Server{
		echo:           e,
		config:         d.Config,
		clock:          d.Clock,
		users:          d.Users,
		sessions:       d.Sessions,
		oauth:          d.OAuth,
		rewards:        d.Rewards,
		firstWord:      d.FirstWord,
		clipShoutout:   d.ClipShoutout,
		randomDbdPerk:  d.RandomDbdPerk,
		audio:          d.Audio,
		gateway:        d.Gateway,
		webhooks:       d.Webhooks,
		overlays:       overlays,
		limits:         d.Limits,
		upgrader:       newUpgrader(d.Config.FrontendOrigin, !d.Config.IsProduction()),
		httpMetrics:    d.HTTPMetrics,
		metricsHandler: d.MetricsHandler,
		sessionStore:   setupSessionStore(d.Config),
		healthChecks:   d.HealthChecks,
		startTime:      d.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops the overlay registries first. Their streams never end on their own,
// and echo waits for every active handler before it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, r := range s.overlays {
		r.Stop()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName          = "trailblazer-oauth"
	sessionKeyOAuthState = "oauth_state"
	oauthStateMaxAge     = 10 * time.Minute
)

// setupSessionStore only carries the OAuth state between authorize and callback.
func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.CookieSecret))
	store.Options = &sessions.Options{
		Path:     "/api/v1/auth",
		MaxAge:   int(oauthStateMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return store
}
