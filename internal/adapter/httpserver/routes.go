package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/trailblazer/internal/adapter/twitch"
	"github.com/pscheid92/trailblazer/internal/platform/correlation"
)

const (
	authRatePerSecond = 1.0
	authRateBurst     = 10
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(correlationMiddleware)
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware(s.httpMetrics))
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            63072000, // 2 years; only sent over HTTPS
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{s.config.FrontendOrigin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, correlation.Header},
		ExposeHeaders:    []string{correlation.Header},
		AllowCredentials: true,
	}))

	s.registerHealthRoutes()
	s.registerAuthRoutes(newAuthRateLimiter(authRatePerSecond, authRateBurst))
	s.registerWidgetRoutes()
	s.registerAudioRoutes()
	s.registerRewardRoutes()
	s.registerOverlayRoutes()
	s.registerWebhookRoutes()
}

// registerWebhookRoutes mounts one gateway handler per topic. The signature check is the authentication.
func (s *Server) registerWebhookRoutes() {
	if s.gateway == nil {
		return
	}
	for _, w := range s.webhooks {
		s.echo.POST(twitch.CallbackPath(w.Topic), s.gateway.Handler(w.Topic, w.Handle))
	}
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				// Path only: query strings carry overlay keys and OAuth codes.
				"path", c.Request().URL.Path,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
