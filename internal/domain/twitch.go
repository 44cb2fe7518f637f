package domain

import (
	"context"
	"time"
)

type TwitchUser struct {
	ID              string
	Login           string
	DisplayName     string
	ProfileImageURL string
}

type Clip struct {
	ID         string
	URL        string
	Title      string
	Duration   float64
	IsFeatured bool
	CreatedAt  time.Time
}

type CustomReward struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cost      int    `json:"cost"`
	Prompt    string `json:"prompt"`
	IsEnabled bool   `json:"is_enabled"`
}

// TwitchAPI covers the Helix calls the widgets make.
// App-token calls use the client's own credentials, user-token calls take the token explicitly.
type TwitchAPI interface {
	SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error
	SendShoutout(ctx context.Context, userToken, fromID, toID, moderatorID string) error
	GetClips(ctx context.Context, broadcasterID string, featuredOnly bool) ([]Clip, error)
	GetUser(ctx context.Context, userToken, userID string) (*TwitchUser, error)
	GetCustomRewards(ctx context.Context, userToken, broadcasterID string) ([]CustomReward, error)
}

// ClipResolver finds a directly playable media URL for a clip.
type ClipResolver interface {
	ResolveClipURL(ctx context.Context, clipID string) (string, error)
}

// SubscriptionManager maintains the EventSub subscriptions a widget depends on.
type SubscriptionManager interface {
	EnsureSubscription(ctx context.Context, topic, broadcasterID string) error
	RemoveSubscriptions(ctx context.Context, broadcasterID string, topics ...string) error
}

// PerkCounter reports how many perks a Dead by Daylight role currently has.
type PerkCounter interface {
	TotalPerks(ctx context.Context, class PerkClassType) (int, error)
}
