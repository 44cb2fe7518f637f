package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/telemetry"
	"github.com/pscheid92/trailblazer/internal/platform/version"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
)

const (
	gqlEndpoint       = "https://gql.twitch.tv/gql"
	preferredQuality  = "1080"
	clipOperationName = "VideoAccessToken_Clip"
)

var ErrNoClipQuality = errors.New("clip has no playable quality")

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    struct {
		PersistedQuery struct {
			Version    int    `json:"version"`
			SHA256Hash string `json:"sha256Hash"`
		} `json:"persistedQuery"`
	} `json:"extensions"`
}

type gqlClipResponse struct {
	Data struct {
		Clip *struct {
			PlaybackAccessToken struct {
				Signature string `json:"signature"`
				Value     string `json:"value"`
			} `json:"playbackAccessToken"`
			VideoQualities []struct {
				Quality   string `json:"quality"`
				SourceURL string `json:"sourceURL"`
			} `json:"videoQualities"`
		} `json:"clip"`
	} `json:"data"`
}

// GQLClipResolver turns a clip slug into a signed, directly playable media URL via Twitch's
// persisted GQL query. The endpoint is unofficial, so calls go through a circuit breaker.
type GQLClipResolver struct {
	endpoint string
	clientID string
	hash     string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker[string]
}

var _ domain.ClipResolver = (*GQLClipResolver)(nil)

func NewGQLClipResolver(clientID, sha256Hash string, cb *gobreaker.CircuitBreaker[string]) *GQLClipResolver {
	return &GQLClipResolver{
		endpoint: gqlEndpoint,
		clientID: clientID,
		hash:     sha256Hash,
		http:     &http.Client{Timeout: helixTimeout},
		cb:       cb,
	}
}

func (r *GQLClipResolver) ResolveClipURL(ctx context.Context, clipID string) (u string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitch.gql.resolve_clip", attribute.String("twitch.clip_id", clipID))
	defer func() { telemetry.End(span, err) }()

	return r.cb.Execute(func() (string, error) {
		return r.resolve(ctx, clipID)
	})
}

func (r *GQLClipResolver) resolve(ctx context.Context, clipID string) (string, error) {
	var body gqlRequest
	body.OperationName = clipOperationName
	body.Variables = map[string]any{"slug": clipID}
	body.Extensions.PersistedQuery.Version = 1
	body.Extensions.PersistedQuery.SHA256Hash = r.hash

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode gql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build gql request: %w", err)
	}
	req.Header.Set("Client-ID", r.clientID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gql request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gql request: unexpected status %d", resp.StatusCode)
	}

	var out gqlClipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gql response: %w", err)
	}
	if out.Data.Clip == nil {
		return "", fmt.Errorf("clip %s: %w", clipID, ErrNoClipQuality)
	}

	clip := out.Data.Clip
	if len(clip.VideoQualities) == 0 {
		return "", fmt.Errorf("clip %s: %w", clipID, ErrNoClipQuality)
	}

	source := clip.VideoQualities[0].SourceURL
	for _, q := range clip.VideoQualities {
		if q.Quality == preferredQuality {
			source = q.SourceURL
			break
		}
	}

	token := clip.PlaybackAccessToken
	return source + "?sig=" + token.Signature + "&token=" + url.QueryEscape(token.Value), nil
}
