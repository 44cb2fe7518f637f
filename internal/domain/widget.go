package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type WidgetKind string

const (
	KindFirstWord     WidgetKind = "first_word"
	KindClipShoutout  WidgetKind = "clip_shoutout"
	KindRandomDbdPerk WidgetKind = "random_dbd_perk"
)

// Slug is the URL form of the kind (first-word).
func (k WidgetKind) Slug() string {
	return strings.ReplaceAll(string(k), "_", "-")
}

// Widget is the part every per-kind configuration shares.
// A widget has two lookup keys: OwnerID (dashboard) and TwitchID, the channel (events).
type Widget struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	TwitchID   string     `json:"twitch_id"`
	Kind       WidgetKind `json:"kind"`
	Enabled    bool       `json:"enabled"`
	OverlayKey string     `json:"overlay_key"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// WidgetConfig is implemented by every per-kind configuration.
type WidgetConfig interface {
	Base() Widget
}

func (w Widget) Base() Widget { return w }

type FirstWordConfig struct {
	Widget
	ReplyMessage string `json:"reply_message"`
	AudioKey     string `json:"audio_key,omitempty"`
}

type FirstWordUpdate struct {
	Enabled      *bool
	ReplyMessage *string
	AudioKey     *string
}

type ClipShoutoutConfig struct {
	Widget
	ReplyMessage         string `json:"reply_message"`
	TwitchBotID          string `json:"twitch_bot_id"`
	EnabledClip          bool   `json:"enabled_clip"`
	EnabledHighlightOnly bool   `json:"enabled_highlight_only"`
}

type ClipShoutoutUpdate struct {
	Enabled              *bool
	ReplyMessage         *string
	EnabledClip          *bool
	EnabledHighlightOnly *bool
}

type PerkClassType string

const (
	PerkSurvivor PerkClassType = "survivor"
	PerkKiller   PerkClassType = "killer"
)

func (t PerkClassType) Valid() bool {
	return t == PerkSurvivor || t == PerkKiller
}

// UnlimitedRandomSize means "draw from every known perk".
const UnlimitedRandomSize = 999

type PerkClass struct {
	Type              PerkClassType `json:"type"`
	Enabled           bool          `json:"enabled"`
	TwitchRewardID    string        `json:"twitch_reward_id,omitempty"`
	MaximumRandomSize int           `json:"maximum_random_size"`
}

type RandomDbdPerkConfig struct {
	Widget
	Classes []PerkClass `json:"classes"`
}

func (c *RandomDbdPerkConfig) ClassByReward(rewardID string) (PerkClass, bool) {
	for _, class := range c.Classes {
		if class.TwitchRewardID != "" && class.TwitchRewardID == rewardID {
			return class, true
		}
	}
	return PerkClass{}, false
}

type RandomDbdPerkUpdate struct {
	Enabled *bool
	Classes []PerkClass
}

// WidgetRepository holds operations that do not depend on the widget kind.
type WidgetRepository interface {
	RotateOverlayKey(ctx context.Context, ownerID uuid.UUID, kind WidgetKind, key string) (*Widget, error)
	Delete(ctx context.Context, ownerID uuid.UUID, kind WidgetKind) (*Widget, error)
}

type FirstWordRepository interface {
	Create(ctx context.Context, ownerID uuid.UUID, twitchID, overlayKey string) (*FirstWordConfig, error)
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*FirstWordConfig, error)
	GetByChannel(ctx context.Context, channelID string) (*FirstWordConfig, error)
	Update(ctx context.Context, ownerID uuid.UUID, u FirstWordUpdate) (*FirstWordConfig, error)
}

// ChatterRepository persists the seen-chatter set behind first-word dedup.
type ChatterRepository interface {
	ListChatters(ctx context.Context, channelID string) ([]string, error)
	HasChatter(ctx context.Context, channelID, chatterID string) (bool, error)
	AddChatter(ctx context.Context, widgetID uuid.UUID, channelID, chatterID string) error
	DeleteChatters(ctx context.Context, channelID string) error
}

type ClipShoutoutRepository interface {
	Create(ctx context.Context, ownerID uuid.UUID, twitchID, botID, overlayKey string) (*ClipShoutoutConfig, error)
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*ClipShoutoutConfig, error)
	GetByChannel(ctx context.Context, channelID string) (*ClipShoutoutConfig, error)
	Update(ctx context.Context, ownerID uuid.UUID, u ClipShoutoutUpdate) (*ClipShoutoutConfig, error)
}

type RandomDbdPerkRepository interface {
	Create(ctx context.Context, ownerID uuid.UUID, twitchID, overlayKey string) (*RandomDbdPerkConfig, error)
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*RandomDbdPerkConfig, error)
	GetByChannel(ctx context.Context, channelID string) (*RandomDbdPerkConfig, error)
	Update(ctx context.Context, ownerID uuid.UUID, u RandomDbdPerkUpdate) (*RandomDbdPerkConfig, error)
}

// ConfigSource is the cached read path for one widget kind.
// Absence is ErrWidgetNotFound. Invalidate must be called after every mutation of w.
type ConfigSource[T WidgetConfig] interface {
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (T, error)
	GetByChannel(ctx context.Context, channelID string) (T, error)
	Invalidate(ctx context.Context, w Widget) error
}

// ChatterTracker answers "has this viewer already been greeted in this stream cycle".
type ChatterTracker interface {
	HasSeen(ctx context.Context, channelID, chatterID string) (bool, error)
	MarkSeen(ctx context.Context, widgetID uuid.UUID, channelID, chatterID string) error
	Reset(ctx context.Context, channelID string) error
}
