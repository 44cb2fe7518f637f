package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrCredentialNotFound  = errors.New("external credential not found")
	ErrWidgetNotFound      = errors.New("widget not found")
	ErrWidgetExists        = errors.New("widget already exists")
	ErrPerkClassNotFound   = errors.New("perk class not found")
	ErrRefreshTokenInvalid = errors.New("refresh token invalid or already used")
	ErrAccessTokenInvalid  = errors.New("access token invalid")

	// ErrTokenRejected means the platform refused a token outright (dead refresh token, revoked grant).
	ErrTokenRejected = errors.New("token rejected by platform")
)

// AuthError is returned when no usable external credential can be produced for a user.
// LoggedOut reports whether the user's sessions were ended as a consequence.
type AuthError struct {
	TwitchID  string
	LoggedOut bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.LoggedOut {
		return fmt.Sprintf("auth error for %s (logged out): %v", e.TwitchID, e.Err)
	}
	return fmt.Sprintf("auth error for %s: %v", e.TwitchID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
