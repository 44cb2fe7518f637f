package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

type FirstWordDeps struct {
	Repo     domain.FirstWordRepository
	Widgets  domain.WidgetRepository
	Configs  domain.ConfigSource[*domain.FirstWordConfig]
	Chatters domain.ChatterTracker
	Subs     domain.SubscriptionManager
	Evictor  domain.OverlayEvictor
	Twitch   domain.TwitchAPI
	Blobs    domain.BlobStore
	Bus      domain.EventBus
	BotID    string
	AudioTTL time.Duration
}

// FirstWordService greets a viewer's first message of a stream with a chat reply
// and an optional overlay sound.
type FirstWordService struct {
	lifecycle
	repo     domain.FirstWordRepository
	configs  domain.ConfigSource[*domain.FirstWordConfig]
	chatters domain.ChatterTracker
	twitch   domain.TwitchAPI
	blobs    domain.BlobStore
	bus      domain.EventBus
	botID    string
	audioTTL time.Duration
}

func NewFirstWordService(d FirstWordDeps) *FirstWordService {
	return &FirstWordService{
		lifecycle: lifecycle{
			kind:    domain.KindFirstWord,
			topics:  []string{domain.TopicChatMessage, domain.TopicStreamOnline},
			widgets: d.Widgets,
			subs:    d.Subs,
			evictor: d.Evictor,
			newKey:  hexKey,
		},
		repo:     d.Repo,
		configs:  d.Configs,
		chatters: d.Chatters,
		twitch:   d.Twitch,
		blobs:    d.Blobs,
		bus:      d.Bus,
		botID:    d.BotID,
		audioTTL: d.AudioTTL,
	}
}

func (s *FirstWordService) Create(ctx context.Context, ownerID uuid.UUID, channelID string) (*domain.FirstWordConfig, error) {
	if err := s.subscribe(ctx, channelID); err != nil {
		return nil, err
	}
	key, err := s.newKey()
	if err != nil {
		return nil, err
	}
	cfg, err := s.repo.Create(ctx, ownerID, channelID, key)
	if err != nil {
		return nil, fmt.Errorf("create first word: %w", err)
	}
	slog.InfoContext(ctx, "First word widget created", "owner_id", ownerID, "channel_id", channelID)
	return cfg, nil
}

func (s *FirstWordService) Get(ctx context.Context, ownerID uuid.UUID) (*domain.FirstWordConfig, error) {
	return s.configs.GetByOwner(ctx, ownerID)
}

func (s *FirstWordService) Update(ctx context.Context, ownerID uuid.UUID, u domain.FirstWordUpdate) (*domain.FirstWordConfig, error) {
	cfg, err := s.repo.Update(ctx, ownerID, u)
	if err != nil {
		return nil, fmt.Errorf("update first word: %w", err)
	}
	s.changed(ctx, s.configs, cfg.Widget)
	return cfg, nil
}

func (s *FirstWordService) Delete(ctx context.Context, ownerID uuid.UUID) error {
	var audio string
	if current, err := s.configs.GetByOwner(ctx, ownerID); err == nil {
		audio = current.AudioKey
	}
	w, err := s.delete(ctx, ownerID)
	if err != nil {
		return err
	}
	s.changed(ctx, s.configs, *w)
	s.removeAudio(ctx, audio)
	if err := s.chatters.Reset(ctx, w.TwitchID); err != nil {
		slog.WarnContext(ctx, "Failed to reset chatters of deleted widget", "channel_id", w.TwitchID, "error", err)
	}
	return nil
}

func (s *FirstWordService) RefreshOverlayKey(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error) {
	w, err := s.rotateKey(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, s.configs, *w)
	return w, nil
}

// AudioUpload is a sound file for the first-word overlay.
type AudioUpload struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// UploadAudio stores a new greeting sound and points the widget at it.
// The previous sound is removed once the widget no longer references it.
func (s *FirstWordService) UploadAudio(ctx context.Context, ownerID uuid.UUID, upload AudioUpload) (*domain.FirstWordConfig, error) {
	current, err := s.configs.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	previous := current.AudioKey

	key := audioKey(ownerID, upload.Filename)
	if err := s.blobs.Put(ctx, key, upload.ContentType, upload.Body, upload.Size); err != nil {
		return nil, fmt.Errorf("store first word audio: %w", err)
	}

	cfg, err := s.Update(ctx, ownerID, domain.FirstWordUpdate{AudioKey: &key})
	if err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			slog.WarnContext(ctx, "Failed to remove orphaned audio", "key", key, "error", delErr)
		}
		return nil, err
	}

	s.removeAudio(ctx, previous)
	return cfg, nil
}

func (s *FirstWordService) removeAudio(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "Failed to remove first word audio", "key", key, "error", err)
	}
}

func audioKey(ownerID uuid.UUID, filename string) string {
	return "first-word/" + ownerID.String() + "/" + uuid.NewString() + strings.ToLower(path.Ext(filename))
}

// GreetNewChatter handles channel.chat.message.
func (s *FirstWordService) GreetNewChatter(ctx context.Context, raw json.RawMessage) error {
	evt, err := decode[domain.ChatMessageEvent](raw)
	if err != nil {
		return err
	}
	if evt.ChatterUserID == s.botID {
		return nil
	}

	cfg, err := s.configs.GetByChannel(ctx, evt.BroadcasterUserID)
	if errors.Is(err, domain.ErrWidgetNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load first word config: %w", err)
	}
	if !cfg.Enabled {
		return nil
	}

	seen, err := s.chatters.HasSeen(ctx, evt.BroadcasterUserID, evt.ChatterUserID)
	if err != nil {
		return fmt.Errorf("check chatter: %w", err)
	}
	if seen {
		return nil
	}

	// Marking first: a viewer greeted but not recorded would be greeted again on every message.
	if err := s.chatters.MarkSeen(ctx, cfg.ID, evt.BroadcasterUserID, evt.ChatterUserID); err != nil {
		return fmt.Errorf("mark chatter seen: %w", err)
	}

	var errs []error
	if cfg.ReplyMessage != "" {
		msg := render(cfg.ReplyMessage, map[string]string{
			"user_login":             evt.ChatterUserLogin,
			"user_name":              evt.ChatterUserName,
			"broadcaster_user_login": evt.BroadcasterUserLogin,
			"broadcaster_user_name":  evt.BroadcasterUserName,
			"message_text":           evt.Message.Text,
			"color":                  evt.Color,
		})
		if err := s.twitch.SendChatMessage(ctx, evt.BroadcasterUserID, s.botID, msg); err != nil {
			errs = append(errs, fmt.Errorf("send greeting: %w", err))
		}
	}

	if cfg.AudioKey != "" {
		if err := s.playAudio(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}

	slog.InfoContext(ctx, "New chatter greeted", "channel_id", evt.BroadcasterUserID, "chatter_id", evt.ChatterUserID)
	return errors.Join(errs...)
}

func (s *FirstWordService) playAudio(ctx context.Context, cfg *domain.FirstWordConfig) error {
	url, err := s.blobs.PresignGet(ctx, cfg.AudioKey, s.audioTTL)
	if err != nil {
		return fmt.Errorf("sign audio url: %w", err)
	}
	return publish(ctx, s.bus, domain.TopicFirstWordAudio, eventAudio, cfg.OwnerID, domain.AudioPayload{URL: url})
}

// ResetChatters handles stream.online: every viewer gets greeted again in the new stream.
func (s *FirstWordService) ResetChatters(ctx context.Context, raw json.RawMessage) error {
	evt, err := decode[domain.StreamOnlineEvent](raw)
	if err != nil {
		return err
	}
	if err := s.chatters.Reset(ctx, evt.BroadcasterUserID); err != nil {
		return fmt.Errorf("reset chatters: %w", err)
	}
	slog.InfoContext(ctx, "Chatters reset for new stream", "channel_id", evt.BroadcasterUserID)
	return nil
}
