package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventSub topics this service subscribes to.
const (
	TopicChatMessage      = "channel.chat.message"
	TopicStreamOnline     = "stream.online"
	TopicChatNotification = "channel.chat.notification"
	TopicRewardRedemption = "channel.channel_points_custom_reward_redemption.add"
)

type ChatMessageEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	ChatterUserID        string `json:"chatter_user_id"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	ChatterUserName      string `json:"chatter_user_name"`
	MessageID            string `json:"message_id"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
	Color string `json:"color"`
}

type StreamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

const NoticeRaid = "raid"

type RaidNotice struct {
	UserID          string `json:"user_id"`
	UserLogin       string `json:"user_login"`
	UserName        string `json:"user_name"`
	ViewerCount     int    `json:"viewer_count"`
	ProfileImageURL string `json:"profile_image_url"`
}

type ChatNotificationEvent struct {
	BroadcasterUserID    string      `json:"broadcaster_user_id"`
	BroadcasterUserLogin string      `json:"broadcaster_user_login"`
	BroadcasterUserName  string      `json:"broadcaster_user_name"`
	ChatterUserID        string      `json:"chatter_user_id"`
	ChatterUserLogin     string      `json:"chatter_user_login"`
	ChatterUserName      string      `json:"chatter_user_name"`
	NoticeType           string      `json:"notice_type"`
	Raid                 *RaidNotice `json:"raid"`
}

type RewardRedemptionEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	UserID               string `json:"user_id"`
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	UserInput            string `json:"user_input"`
	Status               string `json:"status"`
	Reward               struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// Realtime topics carried on the EventBus.
const (
	TopicFirstWordAudio   = "first-word-audio"
	TopicClipShoutoutClip = "clip-shoutout-clip"
	TopicConfigInvalidate = "config:invalidate"
)

// EvictTopic carries cross-instance overlay eviction requests for one widget kind.
func EvictTopic(kind WidgetKind) string {
	return "overlay:evict:" + string(kind)
}

// RealtimeEvent is one message on the EventBus. OwnerID addresses the widget owner.
// Event and Data are forwarded verbatim to the owner's overlays.
type RealtimeEvent struct {
	OwnerID string          `json:"owner_id"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type EventHandler func(ctx context.Context, evt RealtimeEvent)

type Subscription interface {
	Close() error
}

// EventBus fans realtime events out to every server instance.
// Delivery is at-most-once and unordered across topics.
type EventBus interface {
	Publish(ctx context.Context, topic string, evt RealtimeEvent) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)
	Close() error
}

// Overlay payloads.
type AudioPayload struct {
	URL string `json:"url"`
}

type ClipPayload struct {
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}
