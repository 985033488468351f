package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator verifies HS256 bearer tokens. Claims: "sub" is the user
// id, optional "agent" binds the token to one agent identity, "exp" is
// required. Refresh tokens are opaque server-side grants rotated on use.
type JWTValidator struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu     sync.Mutex
	grants map[string]refreshGrant
}

type refreshGrant struct {
	userID    string
	agentID   string
	expiresAt time.Time
}

// JWT validator defaults.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 24 * time.Hour
)

// NewJWTValidator creates a validator for the given HMAC secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret:     []byte(secret),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		grants:     make(map[string]refreshGrant),
	}
}

// Validate parses and verifies the token, then issues a refresh grant for
// it so the broker can rotate the credential in-channel later.
func (v *JWTValidator) Validate(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	agentID, _ := claims["agent"].(string)

	refresh, err := v.issueGrant(sub, agentID)
	if err != nil {
		return nil, err
	}

	return &Identity{
		UserID:       sub,
		AgentID:      agentID,
		ExpiresAt:    exp.Time,
		RefreshToken: refresh,
	}, nil
}

// Refresh exchanges a grant for a freshly signed access token and a new
// grant. The used grant is invalidated even on failure paths beyond
// lookup, so a stolen refresh token works at most once.
func (v *JWTValidator) Refresh(_ context.Context, refreshToken string) (string, *Identity, error) {
	v.mu.Lock()
	grant, ok := v.grants[refreshToken]
	if ok {
		delete(v.grants, refreshToken)
	}
	v.mu.Unlock()

	if !ok || time.Now().After(grant.expiresAt) {
		return "", nil, ErrUnknownRefreshToken
	}

	expiresAt := time.Now().Add(v.accessTTL)
	access, err := v.sign(grant.userID, grant.agentID, expiresAt)
	if err != nil {
		return "", nil, err
	}
	next, err := v.issueGrant(grant.userID, grant.agentID)
	if err != nil {
		return "", nil, err
	}

	return access, &Identity{
		UserID:       grant.userID,
		AgentID:      grant.agentID,
		ExpiresAt:    expiresAt,
		RefreshToken: next,
	}, nil
}

// IssueToken signs an access token directly. Used by tests and the token
// bootstrap CLI.
func (v *JWTValidator) IssueToken(userID, agentID string, ttl time.Duration) (string, error) {
	return v.sign(userID, agentID, time.Now().Add(ttl))
}

func (v *JWTValidator) sign(userID, agentID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": jwt.NewNumericDate(expiresAt),
		"iat": jwt.NewNumericDate(time.Now()),
	}
	if agentID != "" {
		claims["agent"] = agentID
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (v *JWTValidator) issueGrant(userID, agentID string) (string, error) {
	refresh, err := newSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("issue refresh token: %w", err)
	}
	now := time.Now()
	v.mu.Lock()
	// Reap expired grants on the way in; nothing else revisits them, and
	// connection churn mints one grant per handshake.
	for token, grant := range v.grants {
		if now.After(grant.expiresAt) {
			delete(v.grants, token)
		}
	}
	v.grants[refresh] = refreshGrant{
		userID:    userID,
		agentID:   agentID,
		expiresAt: now.Add(v.refreshTTL),
	}
	v.mu.Unlock()
	return refresh, nil
}
