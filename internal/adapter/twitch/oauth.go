package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/pscheid92/trailblazer/internal/domain"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// Scopes requested at login. The bot and shoutout scopes let the app act in the channel on the user's behalf.
var Scopes = []string{
	"user:read:chat",
	"user:write:chat",
	"user:bot",
	"channel:bot",
	"moderator:manage:shoutouts",
	"channel:read:redemptions",
}

type OAuth struct {
	cfg      oauth2.Config
	clientID string
	http     *http.Client
}

var _ domain.OAuthClient = (*OAuth)(nil)

func NewOAuth(clientID, clientSecret, redirectURL string) *OAuth {
	return &OAuth{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     twitch.Endpoint,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
		},
		clientID: clientID,
		http:     &http.Client{Timeout: helixTimeout},
	}
}

func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

func (o *OAuth) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.http)
}

func (o *OAuth) Exchange(ctx context.Context, code string) (*domain.OAuthToken, error) {
	tok, err := o.cfg.Exchange(o.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", classifyTokenError(err))
	}
	return toOAuthToken(tok), nil
}

// Refresh redeems refreshToken. Twitch rotates refresh tokens, so the returned one replaces it.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*domain.OAuthToken, error) {
	src := o.cfg.TokenSource(o.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", classifyTokenError(err))
	}
	return toOAuthToken(tok), nil
}

func (o *OAuth) Validate(ctx context.Context, accessToken string) (*domain.TokenInfo, error) {
	client, err := helix.NewClientWithContext(ctx, &helix.Options{ClientID: o.clientID, HTTPClient: o.http})
	if err != nil {
		return nil, fmt.Errorf("create helix client: %w", err)
	}

	valid, resp, err := client.ValidateToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !valid {
		if resp != nil && resp.StatusCode >= 500 {
			return nil, &HelixError{Op: "validate token", StatusCode: resp.StatusCode, Message: resp.ErrorMessage}
		}
		return nil, domain.ErrAccessTokenInvalid
	}

	return &domain.TokenInfo{
		UserID:    resp.Data.UserID,
		Login:     resp.Data.Login,
		Scopes:    resp.Data.Scopes,
		ExpiresIn: time.Duration(resp.Data.ExpiresIn) * time.Second,
	}, nil
}

// classifyTokenError marks a token endpoint refusal (400/401) as ErrTokenRejected.
func classifyTokenError(err error) error {
	retrieveErr, ok := errors.AsType[*oauth2.RetrieveError](err)
	if !ok || retrieveErr.Response == nil {
		return err
	}
	switch retrieveErr.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", domain.ErrTokenRejected, err)
	default:
		return err
	}
}

func toOAuthToken(tok *oauth2.Token) *domain.OAuthToken {
	var scopes []string
	switch raw := tok.Extra("scope").(type) {
	case []any:
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	case string:
		scopes = []string{raw}
	}
	return &domain.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}
