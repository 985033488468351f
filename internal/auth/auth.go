// Package auth verifies bearer credentials for agent and dashboard
// sessions and rotates them before expiry.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// Identity is the verified principal behind a bearer token.
type Identity struct {
	UserID       string
	AgentID      string // set only for agent credentials
	ExpiresAt    time.Time
	RefreshToken string
}

// TokenValidator verifies bearer tokens and mints replacements.
type TokenValidator interface {
	// Validate checks a presented token and returns its identity.
	Validate(ctx context.Context, token string) (*Identity, error)
	// Refresh exchanges a refresh token for a new access token. The
	// previous refresh token is invalidated.
	Refresh(ctx context.Context, refreshToken string) (string, *Identity, error)
}

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token expired")
	ErrUnknownRefreshToken = errors.New("unknown or expired refresh token")
)

// newSecureToken returns a URL-safe random string with length bytes of
// entropy, used for refresh tokens.
func newSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
