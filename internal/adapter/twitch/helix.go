package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

const (
	helixTimeout = 10 * time.Second
	clipPageSize = 100
)

// HelixError is a non-2xx Helix response.
type HelixError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *HelixError) Error() string {
	return fmt.Sprintf("helix %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// HelixClient performs Helix calls. App-token calls use a client-credentials token source;
// user-token calls build a client around the caller's token, so no token state is shared.
type HelixClient struct {
	clientID   string
	apiBaseURL string
	httpClient *http.Client
	appTokens  oauth2.TokenSource
}

var _ domain.TwitchAPI = (*HelixClient)(nil)

func NewHelixClient(clientID, clientSecret string) *HelixClient {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     twitch.Endpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return &HelixClient{
		clientID:   clientID,
		apiBaseURL: helix.DefaultAPIBaseURL,
		httpClient: &http.Client{Timeout: helixTimeout},
		appTokens:  cc.TokenSource(context.Background()),
	}
}

func (h *HelixClient) appClient(ctx context.Context) (*helix.Client, error) {
	tok, err := h.appTokens.Token()
	if err != nil {
		return nil, fmt.Errorf("app access token: %w", err)
	}
	return h.newClient(ctx, &helix.Options{AppAccessToken: tok.AccessToken})
}

func (h *HelixClient) userClient(ctx context.Context, userToken string) (*helix.Client, error) {
	return h.newClient(ctx, &helix.Options{UserAccessToken: userToken})
}

func (h *HelixClient) newClient(ctx context.Context, opts *helix.Options) (*helix.Client, error) {
	opts.ClientID = h.clientID
	opts.APIBaseURL = h.apiBaseURL
	opts.HTTPClient = h.httpClient
	client, err := helix.NewClientWithContext(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create helix client: %w", err)
	}
	return client, nil
}

func check(op string, rc helix.ResponseCommon) error {
	if rc.StatusCode >= 200 && rc.StatusCode < 300 {
		return nil
	}
	return &HelixError{Op: op, StatusCode: rc.StatusCode, Message: rc.ErrorMessage}
}

// SendChatMessage posts as the app; the sender must have authorized the bot scopes.
func (h *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitch.send_chat_message", attribute.String("twitch.broadcaster_id", broadcasterID))
	defer func() { telemetry.End(span, err) }()

	client, err := h.appClient(ctx)
	if err != nil {
		return err
	}
	resp, err := client.SendChatMessage(&helix.SendChatMessageParams{
		BroadcasterID: broadcasterID,
		SenderID:      senderID,
		Message:       message,
	})
	if err != nil {
		return fmt.Errorf("send chat message: %w", err)
	}
	return check("send chat message", resp.ResponseCommon)
}

func (h *HelixClient) SendShoutout(ctx context.Context, userToken, fromID, toID, moderatorID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitch.send_shoutout", attribute.String("twitch.broadcaster_id", fromID))
	defer func() { telemetry.End(span, err) }()

	client, err := h.userClient(ctx, userToken)
	if err != nil {
		return err
	}
	resp, err := client.SendShoutout(&helix.SendShoutoutParams{
		FromBroadcasterID: fromID,
		ToBroadcasterID:   toID,
		ModeratorID:       moderatorID,
	})
	if err != nil {
		return fmt.Errorf("send shoutout: %w", err)
	}
	return check("send shoutout", resp.ResponseCommon)
}

func (h *HelixClient) GetUser(ctx context.Context, userToken, userID string) (*domain.TwitchUser, error) {
	client, err := h.userClient(ctx, userToken)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetUsers(&helix.UsersParams{IDs: []string{userID}})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := check("get user", resp.ResponseCommon); err != nil {
		return nil, err
	}
	if len(resp.Data.Users) == 0 {
		return nil, fmt.Errorf("get user %s: %w", userID, domain.ErrUserNotFound)
	}

	u := resp.Data.Users[0]
	return &domain.TwitchUser{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName, ProfileImageURL: u.ProfileImageURL}, nil
}

func (h *HelixClient) GetCustomRewards(ctx context.Context, userToken, broadcasterID string) ([]domain.CustomReward, error) {
	client, err := h.userClient(ctx, userToken)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetCustomRewards(&helix.GetCustomRewardsParams{BroadcasterID: broadcasterID})
	if err != nil {
		return nil, fmt.Errorf("get custom rewards: %w", err)
	}
	if err := check("get custom rewards", resp.ResponseCommon); err != nil {
		return nil, err
	}

	rewards := make([]domain.CustomReward, 0, len(resp.Data.ChannelCustomRewards))
	for _, r := range resp.Data.ChannelCustomRewards {
		rewards = append(rewards, domain.CustomReward{ID: r.ID, Title: r.Title, Cost: r.Cost, Prompt: r.Prompt, IsEnabled: r.IsEnabled})
	}
	return rewards, nil
}

type clipsResponse struct {
	Data []struct {
		ID         string    `json:"id"`
		URL        string    `json:"url"`
		Title      string    `json:"title"`
		Duration   float64   `json:"duration"`
		IsFeatured bool      `json:"is_featured"`
		CreatedAt  time.Time `json:"created_at"`
	} `json:"data"`
}

// GetClips returns the first page of a broadcaster's clips.
// helix.ClipsParams and helix.Clip carry no is_featured, so this call is made directly
// with the same app token, client id and error shape as the library calls.
func (h *HelixClient) GetClips(ctx context.Context, broadcasterID string, featuredOnly bool) (clips []domain.Clip, err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitch.get_clips", attribute.String("twitch.broadcaster_id", broadcasterID))
	defer func() { telemetry.End(span, err) }()

	tok, err := h.appTokens.Token()
	if err != nil {
		return nil, fmt.Errorf("app access token: %w", err)
	}

	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", strconv.Itoa(clipPageSize))
	if featuredOnly {
		q.Set("is_featured", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiBaseURL+"/clips?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build clips request: %w", err)
	}
	req.Header.Set("Client-Id", h.clientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get clips: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Message == "" {
			failure.Message = resp.Status
		}
		return nil, &HelixError{Op: "get clips", StatusCode: resp.StatusCode, Message: failure.Message}
	}

	var body clipsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode clips: %w", err)
	}

	clips = make([]domain.Clip, 0, len(body.Data))
	for _, c := range body.Data {
		clips = append(clips, domain.Clip{ID: c.ID, URL: c.URL, Title: c.Title, Duration: c.Duration, IsFeatured: c.IsFeatured, CreatedAt: c.CreatedAt})
	}
	return clips, nil
}
