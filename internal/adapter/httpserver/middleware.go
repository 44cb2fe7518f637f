package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/correlation"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
)

// correlationMiddleware adopts a well-formed inbound X-Correlation-ID or mints one,
// and echoes it on the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlation.Header)
		if !correlation.Valid(id) {
			id = correlation.NewID()
		}
		c.Response().Header().Set(correlation.Header, id)
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
		return next(c)
	}
}

// ErrorHandlingMiddleware renders returned errors as JSON ErrorResponses. m may be nil.
func ErrorHandlingMiddleware(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := next(c); err != nil {
				return renderError(c, err, m)
			}
			return nil
		}
	}
}

// NewHTTPErrorHandler covers errors that bypass the middleware chain: echo's router
// (404, 405) and middleware that report through c.Error, such as the rate limiter.
func NewHTTPErrorHandler(m *metrics.HTTPMetrics) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if err == nil || c.Response().Committed {
			return
		}
		if err := renderError(c, err, m); err != nil {
			slog.ErrorContext(c.Request().Context(), "Failed to write error response", "path", c.Request().URL.Path, "error", err)
		}
	}
}

func renderError(c echo.Context, err error, m *metrics.HTTPMetrics) error {
	if httpErr, ok := errors.AsType[*echo.HTTPError](err); ok {
		err = WrapHTTPError(httpErr)
	}
	if m != nil {
		m.Errors.WithLabelValues(string(apperrors.AsStructuredError(err).Type)).Inc()
	}
	return HandleError(c, err)
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if userID := c.Get(contextKeyUserID); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}

	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeUnauthorized, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeConflict:
		slog.WarnContext(ctx, "Conflict", attrs...)
	case apperrors.TypeUnavailable, apperrors.TypeRateLimited:
		slog.WarnContext(ctx, "Request shed", attrs...)
	case apperrors.TypeInternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	case apperrors.TypeExternal:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "External service error", attrs...)
	default:
		slog.ErrorContext(ctx, "Unknown error type", attrs...)
	}
}

func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	if c.Response().Committed {
		slog.WarnContext(c.Request().Context(), "Error after response was committed", "path", c.Request().URL.Path, "error", err)
		return nil
	}

	structuredErr := apperrors.AsStructuredError(err)
	logError(c, structuredErr)
	if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType apperrors.ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		errType = apperrors.TypeValidation
	case http.StatusUnauthorized:
		errType = apperrors.TypeUnauthorized
	case http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		errType = apperrors.TypeNotFound
	case http.StatusConflict:
		errType = apperrors.TypeConflict
	case http.StatusTooManyRequests:
		errType = apperrors.TypeRateLimited
	case http.StatusBadGateway:
		errType = apperrors.TypeExternal
	case http.StatusServiceUnavailable:
		errType = apperrors.TypeUnavailable
	default:
		errType = apperrors.TypeInternal
	}

	err := &apperrors.Error{
		Type:    errType,
		Message: message,
		Context: make(map[string]any),
	}

	if httpErr.Internal != nil {
		err.Cause = httpErr.Internal
	}

	return err
}

// widgetError translates the domain sentinels widget use cases return.
func widgetError(err error, action string) error {
	switch {
	case errors.Is(err, domain.ErrWidgetNotFound):
		return apperrors.NotFoundError("widget not found")
	case errors.Is(err, domain.ErrWidgetExists):
		return apperrors.ConflictError("widget already exists")
	case errors.Is(err, domain.ErrPerkClassNotFound):
		return apperrors.ValidationError("unknown perk class")
	case errors.Is(err, domain.ErrUserNotFound):
		return apperrors.NotFoundError("user not found")
	default:
		return apperrors.InternalError("failed to "+action, err)
	}
}

// credentialError maps failures to produce a Twitch token on the user's behalf.
func credentialError(err error, action string) error {
	if authErr, ok := errors.AsType[*domain.AuthError](err); ok {
		return apperrors.UnauthorizedError("twitch authorization expired, please log in again", authErr).
			WithField("logged_out", authErr.LoggedOut)
	}
	return apperrors.ExternalError("failed to "+action, err)
}
