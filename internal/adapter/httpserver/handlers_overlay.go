package httpserver

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/broadcast"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
)

func (s *Server) registerOverlayRoutes() {
	for _, r := range s.overlays {
		slug := r.Kind().Slug()
		s.echo.GET("/api/v1/widgets/"+slug+"/overlay/:userId/events", s.handleOverlaySSE(r))
		s.echo.GET("/ws/v1/widgets/"+slug+"/overlay/:userId", s.handleOverlayWS(r))
	}
}

// admitOverlay authorizes the overlay key and takes a connection slot.
// On success the returned release func must be called once the connection ends.
func (s *Server) admitOverlay(c echo.Context, r overlayRegistry) (uuid.UUID, func(), error) {
	ownerID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		return uuid.Nil, nil, apperrors.ValidationError("invalid user id")
	}

	ip := c.RealIP()
	if s.limits != nil {
		ok, reason := s.limits.Acquire(ip)
		if !ok {
			slog.WarnContext(c.Request().Context(), "Overlay connection refused", "kind", r.Kind(), "reason", reason, "ip", ip)
			if reason == LimitReasonGlobal {
				return uuid.Nil, nil, apperrors.UnavailableError("server at overlay capacity", nil)
			}
			return uuid.Nil, nil, apperrors.RateLimitedError("too many overlay connections").WithField("reason", string(reason))
		}
	}
	release := func() {
		if s.limits != nil {
			s.limits.Release(ip)
		}
	}

	ok, err := r.Authorize(c.Request().Context(), ownerID, c.QueryParam("key"))
	if err != nil {
		release()
		return uuid.Nil, nil, apperrors.InternalError("failed to check overlay key", err).WithField("owner_id", ownerID.String())
	}
	if !ok {
		release()
		return uuid.Nil, nil, apperrors.UnauthorizedError("Invalid overlay key", nil)
	}

	return ownerID, release, nil
}

func (s *Server) handleOverlaySSE(r overlayRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, release, err := s.admitOverlay(c, r)
		if err != nil {
			return err
		}
		defer release()

		ctx := c.Request().Context()
		conn, err := broadcast.NewSSEConn(c.Response(), s.clock)
		if err != nil {
			slog.WarnContext(ctx, "Failed to open overlay stream", "kind", r.Kind(), "owner_id", ownerID, "error", err)
			return nil
		}
		// Headers are committed at this point; a refused registration just ends the stream.
		if !registerOverlay(c, r, ownerID, conn) {
			return nil
		}
		defer r.Unregister(ownerID, conn)

		conn.Serve(ctx)
		return nil
	}
}

func (s *Server) handleOverlayWS(r overlayRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		ownerID, release, err := s.admitOverlay(c, r)
		if err != nil {
			return err
		}
		defer release()

		ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// The upgrader has already answered the request.
			slog.InfoContext(c.Request().Context(), "Overlay WebSocket upgrade failed", "kind", r.Kind(), "error", err)
			return nil
		}

		conn := broadcast.NewWSConn(ws, s.clock)
		if !registerOverlay(c, r, ownerID, conn) {
			conn.Close("registration refused")
			conn.Wait()
			return nil
		}

		<-conn.Done()
		r.Unregister(ownerID, conn)
		conn.Wait()
		return nil
	}
}

// registerOverlay enrolls conn and then checks the key again. A rotation whose eviction
// ran between admission and registration would otherwise leave conn on a revoked key.
func registerOverlay(c echo.Context, r overlayRegistry, ownerID uuid.UUID, conn broadcast.Conn) bool {
	if err := r.Register(ownerID, conn); err != nil {
		logRegisterFailure(c, r, ownerID, err)
		return false
	}

	ok, err := r.Authorize(c.Request().Context(), ownerID, c.QueryParam("key"))
	if err == nil && ok {
		return true
	}
	r.Unregister(ownerID, conn)
	slog.InfoContext(c.Request().Context(), "Overlay key changed during admission", "kind", r.Kind(), "owner_id", ownerID, "error", err)
	return false
}

func logRegisterFailure(c echo.Context, r overlayRegistry, ownerID uuid.UUID, err error) {
	level := slog.LevelError
	if errors.Is(err, broadcast.ErrOwnerFull) || errors.Is(err, broadcast.ErrRegistryStopped) {
		level = slog.LevelWarn
	}
	slog.Log(c.Request().Context(), level, "Overlay registration refused", "kind", r.Kind(), "owner_id", ownerID, "error", err)
}
