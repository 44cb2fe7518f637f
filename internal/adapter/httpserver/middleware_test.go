package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/correlation"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// through runs h behind ErrorHandlingMiddleware and returns the recorder with the decoded
// error body, if the body is one.
func through(t *testing.T, h echo.HandlerFunc, prepare ...func(echo.Context)) (*httptest.ResponseRecorder, apperrors.ErrorResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodPut, "/api/v1/widgets/first-word", nil), rec)
	for _, p := range prepare {
		p(c)
	}

	require.NoError(t, ErrorHandlingMiddleware(nil)(h)(c), "the middleware renders errors itself")

	var resp apperrors.ErrorResponse
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestErrorHandlingMiddleware_RendersEveryType(t *testing.T) {
	cases := map[*apperrors.Error]int{
		apperrors.ValidationError("cooldown must be positive"):               http.StatusBadRequest,
		apperrors.UnauthorizedError("session expired", nil):                  http.StatusUnauthorized,
		apperrors.ForbiddenError("not your widget"):                          http.StatusForbidden,
		apperrors.NotFoundError("widget not found"):                          http.StatusNotFound,
		apperrors.ConflictError("widget already exists"):                     http.StatusConflict,
		apperrors.RateLimitedError("rate limit exceeded"):                    http.StatusTooManyRequests,
		apperrors.InternalError("failed to save", errors.New("pool closed")): http.StatusInternalServerError,
		apperrors.ExternalError("twitch unreachable", errors.New("502")):     http.StatusBadGateway,
		apperrors.UnavailableError("shutting down", nil):                     http.StatusServiceUnavailable,
	}

	for appErr, status := range cases {
		t.Run(string(appErr.Type), func(t *testing.T) {
			rec, resp := through(t, func(echo.Context) error { return appErr })

			assert.Equal(t, status, rec.Code)
			assert.Equal(t, appErr.Type, resp.Type)
			assert.Equal(t, appErr.Message, resp.Message)
		})
	}
}

func TestErrorHandlingMiddleware_HidesPlainErrors(t *testing.T) {
	rec, resp := through(t, func(echo.Context) error {
		return fmt.Errorf("save widget: %w", errors.New("dial tcp 10.0.0.5:5432: refused"))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.TypeInternal, resp.Type)
	assert.Equal(t, "internal server error", resp.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestErrorHandlingMiddleware_PassesSuccessThrough(t *testing.T) {
	rec, _ := through(t, func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestErrorHandlingMiddleware_KeepsFields(t *testing.T) {
	withUser := func(c echo.Context) { c.Set(contextKeyUserID, uuid.New()) }

	_, resp := through(t, func(echo.Context) error {
		return apperrors.NotFoundError("widget not found").
			WithField("kind", "first_word").
			WithField("owner_id", "123")
	}, withUser)

	assert.Equal(t, map[string]any{"kind": "first_word", "owner_id": "123"}, resp.Context)
}

func TestMiddlewareCountsErrors(t *testing.T) {
	m := metrics.NewHTTPMetrics(prometheus.NewRegistry())

	e := echo.New()
	handler := ErrorHandlingMiddleware(m)(func(c echo.Context) error {
		if c.QueryParam("fail") == "conflict" {
			return apperrors.ConflictError("exists")
		}
		return echo.NewHTTPError(http.StatusNotFound)
	})

	for _, target := range []string{"/test?fail=conflict", "/test", "/test"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		require.NoError(t, handler(e.NewContext(req, httptest.NewRecorder())))
	}

	assert.InDelta(t, 1, testutil.ToFloat64(m.Errors.WithLabelValues("conflict")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Errors.WithLabelValues("not_found")), 0)
}

func TestMiddlewareWrapsEchoHTTPError(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "Not Found", resp["message"])
	assert.Equal(t, "not_found", resp["type"])
}

func TestHandleError(t *testing.T) {
	newContext := func() (echo.Context, *httptest.ResponseRecorder) {
		rec := httptest.NewRecorder()
		return echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec), rec
	}

	t.Run("writes the structured body", func(t *testing.T) {
		c, rec := newContext()
		require.NoError(t, HandleError(c, apperrors.ConflictError("reward already exists")))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"type":"conflict","message":"reward already exists"}`, rec.Body.String())
	})

	t.Run("nil writes nothing", func(t *testing.T) {
		c, rec := newContext()
		require.NoError(t, HandleError(c, nil))
		assert.Zero(t, rec.Body.Len())
	})

	t.Run("committed response is left alone", func(t *testing.T) {
		c, rec := newContext()
		require.NoError(t, c.String(http.StatusOK, "partial"))

		require.NoError(t, HandleError(c, apperrors.InternalError("late failure", nil)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "partial", rec.Body.String())
	})
}

func TestWrapHTTPError(t *testing.T) {
	tests := []struct {
		code     int
		wantType apperrors.ErrorType
	}{
		{http.StatusBadRequest, apperrors.TypeValidation},
		{http.StatusUnsupportedMediaType, apperrors.TypeValidation},
		{http.StatusRequestEntityTooLarge, apperrors.TypeValidation},
		{http.StatusUnauthorized, apperrors.TypeUnauthorized},
		{http.StatusForbidden, apperrors.TypeForbidden},
		{http.StatusNotFound, apperrors.TypeNotFound},
		{http.StatusMethodNotAllowed, apperrors.TypeNotFound},
		{http.StatusConflict, apperrors.TypeConflict},
		{http.StatusTooManyRequests, apperrors.TypeRateLimited},
		{http.StatusBadGateway, apperrors.TypeExternal},
		{http.StatusServiceUnavailable, apperrors.TypeUnavailable},
		{http.StatusTeapot, apperrors.TypeInternal},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := WrapHTTPError(echo.NewHTTPError(tt.code))
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, http.StatusText(tt.code), err.Message)
		})
	}

	t.Run("keeps message and internal cause", func(t *testing.T) {
		cause := errors.New("decoder failed")
		httpErr := echo.NewHTTPError(http.StatusBadRequest, "bad json").SetInternal(cause)

		err := WrapHTTPError(httpErr)
		assert.Equal(t, "bad json", err.Message)
		assert.ErrorIs(t, err, cause)
	})
}

func TestWidgetError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantType    apperrors.ErrorType
		wantMessage string
	}{
		{"missing widget", fmt.Errorf("get: %w", domain.ErrWidgetNotFound), apperrors.TypeNotFound, "widget not found"},
		{"duplicate widget", domain.ErrWidgetExists, apperrors.TypeConflict, "widget already exists"},
		{"unknown class", domain.ErrPerkClassNotFound, apperrors.TypeValidation, "unknown perk class"},
		{"missing user", domain.ErrUserNotFound, apperrors.TypeNotFound, "user not found"},
		{"anything else", errors.New("db down"), apperrors.TypeInternal, "failed to update widget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := apperrors.AsStructuredError(widgetError(tt.err, "update widget"))
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantMessage, got.Message)
		})
	}
}

func TestCredentialError(t *testing.T) {
	t.Run("auth error asks for a new login", func(t *testing.T) {
		authErr := &domain.AuthError{TwitchID: "42", LoggedOut: true, Err: domain.ErrTokenRejected}

		got := apperrors.AsStructuredError(credentialError(fmt.Errorf("list: %w", authErr), "list rewards"))
		assert.Equal(t, apperrors.TypeUnauthorized, got.Type)
		assert.Equal(t, true, got.Context["logged_out"])
		assert.ErrorIs(t, got, domain.ErrTokenRejected)
	})

	t.Run("other failures are external", func(t *testing.T) {
		got := apperrors.AsStructuredError(credentialError(errors.New("timeout"), "list rewards"))
		assert.Equal(t, apperrors.TypeExternal, got.Type)
		assert.Equal(t, "failed to list rewards", got.Message)
	})
}

func TestCorrelationMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		adopt   bool
	}{
		{name: "minted when absent", inbound: "", adopt: false},
		{name: "well-formed id is adopted", inbound: "req-42_ab", adopt: true},
		{name: "malformed id is replaced", inbound: "bad id\nforged=1", adopt: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.inbound != "" {
				req.Header.Set(correlation.Header, tt.inbound)
			}
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			var seen string
			handler := correlationMiddleware(func(c echo.Context) error {
				seen, _ = correlation.ID(c.Request().Context())
				return nil
			})
			require.NoError(t, handler(c))

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(correlation.Header))
			if tt.adopt {
				assert.Equal(t, tt.inbound, seen)
			} else {
				assert.NotEqual(t, tt.inbound, seen)
			}
		})
	}
}

func TestHTTPErrorHandler(t *testing.T) {
	m := metrics.NewHTTPMetrics(prometheus.NewRegistry())
	handle := NewHTTPErrorHandler(m)

	t.Run("renders errors reported through c.Error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil), rec)

		handle(apperrors.RateLimitedError("rate limit exceeded"), c)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.JSONEq(t, `{"type":"rate_limited","message":"rate limit exceeded"}`, rec.Body.String())
		assert.InDelta(t, 1, testutil.ToFloat64(m.Errors.WithLabelValues("rate_limited")), 0)
	})

	t.Run("maps router errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(httptest.NewRequest(http.MethodDelete, "/health/live", nil), rec)

		handle(echo.ErrMethodNotAllowed, c)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decodeError(t, rec)["type"])
	})

	t.Run("leaves committed responses alone", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		require.NoError(t, c.NoContent(http.StatusAccepted))

		handle(apperrors.InternalError("late", nil), c)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Zero(t, rec.Body.Len())
	})
}
