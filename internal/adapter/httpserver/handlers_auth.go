package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/credential"
	"github.com/pscheid92/trailblazer/internal/domain"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
)

const (
	oauthTimeout = 10 * time.Second

	cookieAccessToken  = "accessToken"
	cookieRefreshToken = "refreshToken"

	contextKeyUserID = "userID"
	contextKeyClaims = "claims"
)

type loginRequest struct {
	Code string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type loginResponse struct {
	domain.TokenPair
	User *domain.User `json:"user"`
}

func (s *Server) registerAuthRoutes(rateLimiter echo.MiddlewareFunc) {
	s.echo.GET("/api/v1/auth/authorize", s.handleAuthorize, rateLimiter)
	s.echo.GET("/api/v1/auth/callback", s.handleOAuthCallback, rateLimiter)
	s.echo.POST("/api/v1/auth/login", s.handleLogin, rateLimiter)
	s.echo.POST("/api/v1/auth/refresh", s.handleRefresh, rateLimiter)
	s.echo.POST("/api/v1/auth/logout", s.handleLogout, rateLimiter, s.requireAuth)
	s.echo.GET("/api/v1/users/me", s.handleMe, s.requireAuth)
}

// requireAuth accepts the session access token from the accessToken cookie or a Bearer header.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return apperrors.UnauthorizedError("unauthorized", nil)
		}

		claims, err := s.sessions.Verify(token)
		if err != nil {
			return apperrors.UnauthorizedError("unauthorized", err)
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyClaims, claims)
		return next(c)
	}
}

func bearerToken(c echo.Context) string {
	if cookie, err := c.Cookie(cookieAccessToken); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	scheme, token, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func sessionClaims(c echo.Context) (*domain.SessionClaims, error) {
	claims, ok := c.Get(contextKeyClaims).(*domain.SessionClaims)
	if !ok {
		return nil, apperrors.InternalError("missing session claims in context", nil)
	}
	return claims, nil
}

func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) handleAuthorize(c echo.Context) error {
	state, err := generateOAuthState()
	if err != nil {
		return apperrors.InternalError("failed to generate OAuth state", err)
	}

	session, err := s.sessionStore.New(c.Request(), sessionName)
	if err != nil {
		slog.WarnContext(c.Request().Context(), "Discarding unreadable OAuth session", "error", err)
	}
	session.Values[sessionKeyOAuthState] = state
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save OAuth state session", err)
	}

	if err := c.Redirect(http.StatusFound, s.oauth.AuthCodeURL(state)); err != nil {
		return fmt.Errorf("failed to redirect: %w", err)
	}
	return nil
}

func (s *Server) handleOAuthCallback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return apperrors.ValidationError("missing code parameter")
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		return apperrors.ValidationError("invalid session")
	}

	expectedState, ok := session.Values[sessionKeyOAuthState].(string)
	if !ok || expectedState == "" {
		return apperrors.ValidationError("missing OAuth state")
	}
	if c.QueryParam("state") != expectedState {
		return apperrors.ValidationError("invalid OAuth state")
	}

	// The state is single use.
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to clear OAuth state", err)
	}

	pair, user, err := s.login(c.Request().Context(), code)
	if err != nil {
		return err
	}

	s.setSessionCookies(c, pair)
	slog.InfoContext(c.Request().Context(), "User logged in", "user_id", user.ID, "twitch_id", user.TwitchID)

	if err := c.Redirect(http.StatusFound, s.config.FrontendOrigin); err != nil {
		return fmt.Errorf("failed to redirect: %w", err)
	}
	return nil
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return apperrors.ValidationError("code is required")
	}

	pair, user, err := s.login(c.Request().Context(), req.Code)
	if err != nil {
		return err
	}

	s.setSessionCookies(c, pair)
	slog.InfoContext(c.Request().Context(), "User logged in", "user_id", user.ID, "twitch_id", user.TwitchID)

	if err := c.JSON(http.StatusCreated, loginResponse{TokenPair: pair, User: user}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) login(ctx context.Context, code string) (domain.TokenPair, *domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, oauthTimeout)
	defer cancel()

	pair, user, err := s.users.Login(ctx, code)
	switch {
	case err == nil:
		return pair, user, nil
	case errors.Is(err, domain.ErrTokenRejected), errors.Is(err, domain.ErrAccessTokenInvalid):
		return domain.TokenPair{}, nil, apperrors.UnauthorizedError("twitch rejected the authorization code", err)
	default:
		return domain.TokenPair{}, nil, apperrors.ExternalError("failed to authenticate with Twitch", err)
	}
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	_ = c.Bind(&req)
	if req.RefreshToken == "" {
		if cookie, err := c.Cookie(cookieRefreshToken); err == nil {
			req.RefreshToken = cookie.Value
		}
	}
	if req.RefreshToken == "" {
		return apperrors.UnauthorizedError("missing refresh token", nil)
	}

	pair, err := s.users.Refresh(c.Request().Context(), req.RefreshToken)
	switch {
	case errors.Is(err, domain.ErrRefreshTokenInvalid), errors.Is(err, domain.ErrUserNotFound):
		s.clearSessionCookies(c)
		return apperrors.UnauthorizedError("refresh token invalid or already used", err)
	case err != nil:
		return apperrors.InternalError("failed to refresh session", err)
	}

	s.setSessionCookies(c, pair)
	if err := c.JSON(http.StatusOK, pair); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLogout(c echo.Context) error {
	ctx := c.Request().Context()
	userID, _ := c.Get(contextKeyUserID).(uuid.UUID)

	if err := s.users.Logout(ctx, userID); err != nil {
		return apperrors.InternalError("failed to log out", err).WithField("user_id", userID.String())
	}

	s.clearSessionCookies(c)
	slog.InfoContext(ctx, "User logged out", "user_id", userID)

	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

func (s *Server) handleMe(c echo.Context) error {
	userID, _ := c.Get(contextKeyUserID).(uuid.UUID)

	user, err := s.users.Me(c.Request().Context(), userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return apperrors.NotFoundError("user not found").WithField("user_id", userID.String())
	}
	if err != nil {
		return apperrors.InternalError("failed to load user", err).WithField("user_id", userID.String())
	}

	if err := c.JSON(http.StatusOK, user); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) setSessionCookies(c echo.Context, pair domain.TokenPair) {
	c.SetCookie(s.sessionCookie(cookieAccessToken, pair.AccessToken, credential.SessionAccessTTL))
	c.SetCookie(s.sessionCookie(cookieRefreshToken, pair.RefreshToken, credential.SessionRefreshTTL))
}

func (s *Server) clearSessionCookies(c echo.Context) {
	for _, name := range []string{cookieAccessToken, cookieRefreshToken} {
		cookie := s.sessionCookie(name, "", 0)
		cookie.MaxAge = -1
		c.SetCookie(cookie)
	}
}

func (s *Server) sessionCookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.config.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
}
