package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/trailblazer/internal/app"
	"github.com/pscheid92/trailblazer/internal/domain"
	apperrors "github.com/pscheid92/trailblazer/internal/platform/errors"
)

// widgetService is the dashboard surface every widget kind offers.
type widgetService[C any, U any] interface {
	Create(ctx context.Context, ownerID uuid.UUID, channelID string) (C, error)
	Get(ctx context.Context, ownerID uuid.UUID) (C, error)
	Update(ctx context.Context, ownerID uuid.UUID, u U) (C, error)
	Delete(ctx context.Context, ownerID uuid.UUID) error
	RefreshOverlayKey(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error)
}

type firstWordRequest struct {
	Enabled      *bool   `json:"enabled"`
	ReplyMessage *string `json:"reply_message"`
	AudioKey     *string `json:"audio_key"`
}

type clipShoutoutRequest struct {
	Enabled              *bool   `json:"enabled"`
	ReplyMessage         *string `json:"reply_message"`
	EnabledClip          *bool   `json:"enabled_clip"`
	EnabledHighlightOnly *bool   `json:"enabled_highlight_only"`
}

type randomDbdPerkRequest struct {
	Enabled *bool              `json:"enabled"`
	Classes []domain.PerkClass `json:"classes"`
}

func (s *Server) registerWidgetRoutes() {
	mountWidget(s, domain.KindFirstWord, s.firstWord, func(r firstWordRequest) (domain.FirstWordUpdate, error) {
		return domain.FirstWordUpdate(r), nil
	})
	mountWidget(s, domain.KindClipShoutout, s.clipShoutout, func(r clipShoutoutRequest) (domain.ClipShoutoutUpdate, error) {
		return domain.ClipShoutoutUpdate(r), nil
	})
	mountWidget(s, domain.KindRandomDbdPerk, s.randomDbdPerk, func(r randomDbdPerkRequest) (domain.RandomDbdPerkUpdate, error) {
		for _, class := range r.Classes {
			if !class.Type.Valid() {
				return domain.RandomDbdPerkUpdate{}, apperrors.ValidationError("invalid perk class type").WithField("type", string(class.Type))
			}
			if class.MaximumRandomSize < 0 {
				return domain.RandomDbdPerkUpdate{}, apperrors.ValidationError("maximum_random_size must not be negative")
			}
		}
		return domain.RandomDbdPerkUpdate(r), nil
	})
}

type widgetHandlers[C any, U any, R any] struct {
	kind    domain.WidgetKind
	service widgetService[C, U]
	convert func(R) (U, error)
}

func mountWidget[C any, U any, R any](s *Server, kind domain.WidgetKind, svc widgetService[C, U], convert func(R) (U, error)) {
	if svc == nil {
		return
	}
	h := widgetHandlers[C, U, R]{kind: kind, service: svc, convert: convert}
	base := "/api/v1/widgets/" + kind.Slug()

	s.echo.POST(base, h.create, s.requireAuth)
	s.echo.GET(base, h.get, s.requireAuth)
	s.echo.PUT(base, h.update, s.requireAuth)
	s.echo.DELETE(base, h.delete, s.requireAuth)
	s.echo.POST(base+"/refresh-key", h.refreshKey, s.requireAuth)
}

func (h widgetHandlers[C, U, R]) create(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	cfg, err := h.service.Create(c.Request().Context(), claims.UserID, claims.TwitchID)
	if err != nil {
		return h.fail(err, "create widget", claims.UserID)
	}

	slog.InfoContext(c.Request().Context(), "Widget created", "kind", h.kind, "user_id", claims.UserID)
	if err := c.JSON(http.StatusCreated, cfg); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (h widgetHandlers[C, U, R]) get(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	cfg, err := h.service.Get(c.Request().Context(), claims.UserID)
	if err != nil {
		return h.fail(err, "load widget", claims.UserID)
	}

	if err := c.JSON(http.StatusOK, cfg); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (h widgetHandlers[C, U, R]) update(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	var req R
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	update, err := h.convert(req)
	if err != nil {
		return err
	}

	cfg, err := h.service.Update(c.Request().Context(), claims.UserID, update)
	if err != nil {
		return h.fail(err, "update widget", claims.UserID)
	}

	if err := c.JSON(http.StatusOK, cfg); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (h widgetHandlers[C, U, R]) delete(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	if err := h.service.Delete(c.Request().Context(), claims.UserID); err != nil {
		return h.fail(err, "delete widget", claims.UserID)
	}

	slog.InfoContext(c.Request().Context(), "Widget deleted", "kind", h.kind, "user_id", claims.UserID)
	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

func (h widgetHandlers[C, U, R]) refreshKey(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	w, err := h.service.RefreshOverlayKey(c.Request().Context(), claims.UserID)
	if err != nil {
		return h.fail(err, "refresh overlay key", claims.UserID)
	}

	if err := c.JSON(http.StatusOK, w); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (h widgetHandlers[C, U, R]) fail(err error, action string, userID uuid.UUID) error {
	mapped := apperrors.AsStructuredError(widgetError(err, action))
	return mapped.WithField("kind", string(h.kind)).WithField("user_id", userID.String())
}

type audioUploader interface {
	UploadAudio(ctx context.Context, ownerID uuid.UUID, upload app.AudioUpload) (*domain.FirstWordConfig, error)
}

const maxAudioBytes = 5 << 20

func (s *Server) registerAudioRoutes() {
	if s.audio == nil {
		return
	}
	s.echo.POST("/api/v1/widgets/"+domain.KindFirstWord.Slug()+"/audio", s.handleUploadAudio, s.requireAuth, middleware.BodyLimit("6M"))
}

func (s *Server) handleUploadAudio(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	header, err := c.FormFile("file")
	if err != nil {
		return apperrors.ValidationError("file is required")
	}
	if header.Size > maxAudioBytes {
		return apperrors.ValidationError("file too large").WithField("max_bytes", maxAudioBytes)
	}
	contentType := header.Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(contentType, "audio/") {
		return apperrors.ValidationError("file must be audio").WithField("content_type", contentType)
	}

	file, err := header.Open()
	if err != nil {
		return apperrors.InternalError("failed to read upload", err)
	}
	defer func() { _ = file.Close() }()

	cfg, err := s.audio.UploadAudio(c.Request().Context(), claims.UserID, app.AudioUpload{
		Filename:    header.Filename,
		ContentType: contentType,
		Body:        file,
		Size:        header.Size,
	})
	if err != nil {
		return apperrors.AsStructuredError(widgetError(err, "upload audio")).WithField("user_id", claims.UserID.String())
	}

	if err := c.JSON(http.StatusCreated, cfg); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) registerRewardRoutes() {
	if s.rewards == nil {
		return
	}
	s.echo.GET("/api/v1/twitch/rewards", s.handleListRewards, s.requireAuth)
}

func (s *Server) handleListRewards(c echo.Context) error {
	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}

	rewards, err := s.rewards.List(c.Request().Context(), claims.TwitchID)
	if err != nil {
		return apperrors.AsStructuredError(credentialError(err, "list channel rewards")).WithField("twitch_id", claims.TwitchID)
	}

	if err := c.JSON(http.StatusOK, rewards); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
