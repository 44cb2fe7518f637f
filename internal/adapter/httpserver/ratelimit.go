package httpserver

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
	"golang.org/x/time/rate"
)

// Idle visitors are forgotten after this long.
const authVisitorExpiry = 5 * time.Minute

// newAuthRateLimiter throttles the login, refresh and callback endpoints per client IP.
// The limiter reports refusals through c.Error, so they reach the server's HTTPErrorHandler
// rather than ErrorHandlingMiddleware.
func newAuthRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	retryAfter := "1"
	if perSecond > 0 && perSecond < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / perSecond)))
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: authVisitorExpiry,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.InternalError("failed to identify client", err)
		},
		DenyHandler: func(c echo.Context, ip string, _ error) error {
			slog.WarnContext(c.Request().Context(), "Auth request throttled", "ip", ip, "path", c.Path())
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.RateLimitedError("rate limit exceeded").WithField("retry_after_seconds", retryAfter)
		},
	})
}
