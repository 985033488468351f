package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// StaticValidator authenticates against a YAML token file. Wire format is
// "<id>:<secret>"; secrets are stored bcrypt-hashed. Refresh re-issues the
// same credential with a fresh expiry. Meant for small fleets and tests.
type StaticValidator struct {
	entries    map[string]staticEntry
	defaultTTL time.Duration

	mu     sync.Mutex
	grants map[string]staticGrant
}

type staticEntry struct {
	userID  string
	agentID string
	hash    []byte
	ttl     time.Duration
}

type staticGrant struct {
	token     string
	userID    string
	agentID   string
	ttl       time.Duration
	expiresAt time.Time
}

type tokenFile struct {
	Tokens []struct {
		ID      string `yaml:"id"`
		UserID  string `yaml:"userId"`
		AgentID string `yaml:"agentId"`
		Hash    string `yaml:"hash"`
		TTL     string `yaml:"ttl"`
	} `yaml:"tokens"`
}

// DefaultStaticTTL applies when a token file entry has no ttl.
const DefaultStaticTTL = 24 * time.Hour

// LoadStaticValidator reads the token file at path.
func LoadStaticValidator(path string) (*StaticValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return ParseStaticTokens(data)
}

// ParseStaticTokens builds a validator from raw token file contents.
func ParseStaticTokens(data []byte) (*StaticValidator, error) {
	var file tokenFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if len(file.Tokens) == 0 {
		return nil, fmt.Errorf("token file contains no tokens")
	}

	entries := make(map[string]staticEntry, len(file.Tokens))
	for i, tok := range file.Tokens {
		if tok.ID == "" || tok.UserID == "" || tok.Hash == "" {
			return nil, fmt.Errorf("token %d: id, userId, and hash are required", i)
		}
		if _, dup := entries[tok.ID]; dup {
			return nil, fmt.Errorf("token %d: duplicate id %q", i, tok.ID)
		}
		ttl := DefaultStaticTTL
		if tok.TTL != "" {
			parsed, err := time.ParseDuration(tok.TTL)
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("token %q: invalid ttl %q", tok.ID, tok.TTL)
			}
			ttl = parsed
		}
		entries[tok.ID] = staticEntry{
			userID:  tok.UserID,
			agentID: tok.AgentID,
			hash:    []byte(tok.Hash),
			ttl:     ttl,
		}
	}

	return &StaticValidator{
		entries:    entries,
		defaultTTL: DefaultStaticTTL,
		grants:     make(map[string]staticGrant),
	}, nil
}

// Validate splits the "<id>:<secret>" credential, compares the secret
// against the stored bcrypt hash, and issues a refresh grant.
func (v *StaticValidator) Validate(_ context.Context, token string) (*Identity, error) {
	id, secret, ok := strings.Cut(token, ":")
	if !ok || id == "" || secret == "" {
		return nil, fmt.Errorf("%w: expected id:secret form", ErrInvalidToken)
	}
	entry, found := v.entries[id]
	if !found {
		// Burn comparable time so unknown ids are not distinguishable
		// from bad secrets.
		_ = bcrypt.CompareHashAndPassword(burnHash, []byte(secret))
		return nil, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(entry.hash, []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	expiresAt := time.Now().Add(entry.ttl)
	refresh, err := v.issueGrant(token, entry, entry.ttl)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:       entry.userID,
		AgentID:      entry.agentID,
		ExpiresAt:    expiresAt,
		RefreshToken: refresh,
	}, nil
}

// Refresh extends a known credential: static tokens never change, so the
// "new" access token is the original one with a pushed-out expiry.
func (v *StaticValidator) Refresh(_ context.Context, refreshToken string) (string, *Identity, error) {
	v.mu.Lock()
	grant, ok := v.grants[refreshToken]
	if ok {
		delete(v.grants, refreshToken)
	}
	v.mu.Unlock()

	if !ok || time.Now().After(grant.expiresAt) {
		return "", nil, ErrUnknownRefreshToken
	}

	next, err := newSecureToken(32)
	if err != nil {
		return "", nil, fmt.Errorf("issue refresh token: %w", err)
	}
	expiresAt := time.Now().Add(grant.ttl)
	v.mu.Lock()
	v.grants[next] = staticGrant{
		token:     grant.token,
		userID:    grant.userID,
		agentID:   grant.agentID,
		ttl:       grant.ttl,
		expiresAt: time.Now().Add(v.defaultTTL),
	}
	v.mu.Unlock()

	return grant.token, &Identity{
		UserID:       grant.userID,
		AgentID:      grant.agentID,
		ExpiresAt:    expiresAt,
		RefreshToken: next,
	}, nil
}

func (v *StaticValidator) issueGrant(token string, entry staticEntry, ttl time.Duration) (string, error) {
	refresh, err := newSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("issue refresh token: %w", err)
	}
	now := time.Now()
	v.mu.Lock()
	// Reap expired grants on the way in; nothing else revisits them, and
	// connection churn mints one grant per handshake.
	for tok, grant := range v.grants {
		if now.After(grant.expiresAt) {
			delete(v.grants, tok)
		}
	}
	v.grants[refresh] = staticGrant{
		token:     token,
		userID:    entry.userID,
		agentID:   entry.agentID,
		ttl:       ttl,
		expiresAt: now.Add(v.defaultTTL),
	}
	v.mu.Unlock()
	return refresh, nil
}

// HashSecret produces the bcrypt hash stored in the token file.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// burnHash is a valid bcrypt hash of an empty string, used to equalize
// timing between unknown-id and wrong-secret failures. It must carry
// the same cost as the hashes HashSecret produces or the two paths
// stay distinguishable.
var burnHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(""), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()
