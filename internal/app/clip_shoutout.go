package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

type ClipShoutoutDeps struct {
	Repo    domain.ClipShoutoutRepository
	Widgets domain.WidgetRepository
	Configs domain.ConfigSource[*domain.ClipShoutoutConfig]
	Subs    domain.SubscriptionManager
	Evictor domain.OverlayEvictor
	Twitch  domain.TwitchAPI
	Clips   domain.ClipResolver
	Broker  domain.CredentialBroker
	Bus     domain.EventBus
}

// ClipShoutoutService answers a raid with a /shoutout, a chat message, and a random clip
// of the raider played on the overlay.
type ClipShoutoutService struct {
	lifecycle
	repo    domain.ClipShoutoutRepository
	configs domain.ConfigSource[*domain.ClipShoutoutConfig]
	twitch  domain.TwitchAPI
	clips   domain.ClipResolver
	broker  domain.CredentialBroker
	bus     domain.EventBus
	pick    func(n int) int
}

func NewClipShoutoutService(d ClipShoutoutDeps) *ClipShoutoutService {
	return &ClipShoutoutService{
		lifecycle: lifecycle{
			kind:    domain.KindClipShoutout,
			topics:  []string{domain.TopicChatNotification},
			widgets: d.Widgets,
			subs:    d.Subs,
			evictor: d.Evictor,
			newKey:  hexKey,
		},
		repo:    d.Repo,
		configs: d.Configs,
		twitch:  d.Twitch,
		clips:   d.Clips,
		broker:  d.Broker,
		bus:     d.Bus,
		pick:    rand.IntN,
	}
}

// Create binds the widget to the owner's channel. The owner's own account acts as the shoutout bot.
func (s *ClipShoutoutService) Create(ctx context.Context, ownerID uuid.UUID, channelID string) (*domain.ClipShoutoutConfig, error) {
	if err := s.subscribe(ctx, channelID); err != nil {
		return nil, err
	}
	key, err := s.newKey()
	if err != nil {
		return nil, err
	}
	cfg, err := s.repo.Create(ctx, ownerID, channelID, channelID, key)
	if err != nil {
		return nil, fmt.Errorf("create clip shoutout: %w", err)
	}
	slog.InfoContext(ctx, "Clip shoutout widget created", "owner_id", ownerID, "channel_id", channelID)
	return cfg, nil
}

func (s *ClipShoutoutService) Get(ctx context.Context, ownerID uuid.UUID) (*domain.ClipShoutoutConfig, error) {
	return s.configs.GetByOwner(ctx, ownerID)
}

func (s *ClipShoutoutService) Update(ctx context.Context, ownerID uuid.UUID, u domain.ClipShoutoutUpdate) (*domain.ClipShoutoutConfig, error) {
	cfg, err := s.repo.Update(ctx, ownerID, u)
	if err != nil {
		return nil, fmt.Errorf("update clip shoutout: %w", err)
	}
	s.changed(ctx, s.configs, cfg.Widget)
	return cfg, nil
}

func (s *ClipShoutoutService) Delete(ctx context.Context, ownerID uuid.UUID) error {
	w, err := s.delete(ctx, ownerID)
	if err != nil {
		return err
	}
	s.changed(ctx, s.configs, *w)
	return nil
}

func (s *ClipShoutoutService) RefreshOverlayKey(ctx context.Context, ownerID uuid.UUID) (*domain.Widget, error) {
	w, err := s.rotateKey(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, s.configs, *w)
	return w, nil
}

// ShoutoutRaider handles channel.chat.notification. Only raids are acted on.
// The three reactions are independent: each one runs even when another fails.
func (s *ClipShoutoutService) ShoutoutRaider(ctx context.Context, raw json.RawMessage) error {
	evt, err := decode[domain.ChatNotificationEvent](raw)
	if err != nil {
		return err
	}
	if evt.NoticeType != domain.NoticeRaid || evt.Raid == nil {
		return nil
	}

	cfg, err := s.configs.GetByChannel(ctx, evt.BroadcasterUserID)
	if errors.Is(err, domain.ErrWidgetNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load clip shoutout config: %w", err)
	}
	if !cfg.Enabled {
		return nil
	}

	raid := evt.Raid
	log := slog.With("channel_id", evt.BroadcasterUserID, "raider_id", raid.UserID)

	if err := s.shoutout(ctx, cfg, raid); err != nil {
		log.WarnContext(ctx, "Shoutout failed", "error", err)
	}

	if cfg.ReplyMessage != "" {
		msg := render(cfg.ReplyMessage, map[string]string{
			"user_name":    raid.UserName,
			"viewer_count": strconv.Itoa(raid.ViewerCount),
			"channel_link": "https://twitch.tv/" + raid.UserLogin,
		})
		if err := s.twitch.SendChatMessage(ctx, evt.BroadcasterUserID, cfg.TwitchBotID, msg); err != nil {
			log.WarnContext(ctx, "Raid reply failed", "error", err)
		}
	}

	if cfg.EnabledClip {
		if err := s.playClip(ctx, cfg, raid.UserID); err != nil {
			log.WarnContext(ctx, "Raid clip failed", "error", err)
		}
	}

	log.InfoContext(ctx, "Raider shouted out", "viewers", raid.ViewerCount)
	return nil
}

func (s *ClipShoutoutService) shoutout(ctx context.Context, cfg *domain.ClipShoutoutConfig, raid *domain.RaidNotice) error {
	token, err := s.broker.ExternalAccessToken(ctx, cfg.TwitchBotID)
	if err != nil {
		return fmt.Errorf("bot access token: %w", err)
	}
	return s.twitch.SendShoutout(ctx, token, cfg.TwitchID, raid.UserID, cfg.TwitchBotID)
}

func (s *ClipShoutoutService) playClip(ctx context.Context, cfg *domain.ClipShoutoutConfig, raiderID string) error {
	clips, err := s.twitch.GetClips(ctx, raiderID, cfg.EnabledHighlightOnly)
	if err != nil {
		return fmt.Errorf("fetch clips: %w", err)
	}
	if len(clips) == 0 {
		slog.InfoContext(ctx, "Raider has no clips", "raider_id", raiderID)
		return nil
	}

	clip := clips[s.pick(len(clips))]
	url, err := s.clips.ResolveClipURL(ctx, clip.ID)
	if err != nil {
		return fmt.Errorf("resolve clip %s: %w", clip.ID, err)
	}
	return publish(ctx, s.bus, domain.TopicClipShoutoutClip, eventClip, cfg.OwnerID, domain.ClipPayload{URL: url, Duration: clip.Duration})
}
