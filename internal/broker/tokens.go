package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-dev/switchboard/internal/auth"
	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
	"github.com/switchboard-dev/switchboard/internal/store"
)

// TokenRecord is a snapshot of one session's credential state.
type TokenRecord struct {
	ConnectionID    string
	Kind            Kind
	UserID          string
	AgentID         string
	Token           string
	RefreshToken    string
	ExpiresAt       time.Time
	RefreshAttempts int
}

type tokenRecord struct {
	connectionID    string
	kind            Kind
	userID          string
	agentID         string
	token           string
	refreshToken    string
	expiresAt       time.Time
	refreshAttempts int
}

// TokenManager tracks the credential attached to each authenticated
// session and refreshes it before expiry. Sessions whose tokens cannot
// be refreshed after the configured number of attempts are closed with
// the token-refresh close code.
type TokenManager struct {
	log       zerolog.Logger
	cfg       *config.Config
	pool      *Pool
	validator auth.TokenValidator
	audit     store.AuditService
	metrics   *metrics.Metrics

	mu      sync.Mutex
	records map[string]*tokenRecord
}

func NewTokenManager(cfg *config.Config, log zerolog.Logger, pool *Pool, validator auth.TokenValidator, audit store.AuditService, m *metrics.Metrics) *TokenManager {
	return &TokenManager{
		log:       log.With().Str("component", "tokens").Logger(),
		cfg:       cfg,
		pool:      pool,
		validator: validator,
		audit:     audit,
		metrics:   m,
		records:   make(map[string]*tokenRecord),
	}
}

// Register starts tracking a session's credential after a successful
// handshake.
func (m *TokenManager) Register(connID string, kind Kind, token string, id *auth.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[connID] = &tokenRecord{
		connectionID: connID,
		kind:         kind,
		userID:       id.UserID,
		agentID:      id.AgentID,
		token:        token,
		refreshToken: id.RefreshToken,
		expiresAt:    id.ExpiresAt,
	}
}

// Unregister stops tracking a session. Called on disconnect.
func (m *TokenManager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, connID)
}

// Get returns a snapshot of one session's credential state.
func (m *TokenManager) Get(connID string) (TokenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return TokenRecord{}, false
	}
	return TokenRecord{
		ConnectionID:    rec.connectionID,
		Kind:            rec.kind,
		UserID:          rec.userID,
		AgentID:         rec.agentID,
		Token:           rec.token,
		RefreshToken:    rec.refreshToken,
		ExpiresAt:       rec.expiresAt,
		RefreshAttempts: rec.refreshAttempts,
	}, true
}

// Adopt replaces a session's credential with one the client refreshed on
// its own, clearing any failed-attempt count.
func (m *TokenManager) Adopt(connID, token string, id *auth.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[connID]
	if !ok {
		return false
	}
	rec.token = token
	rec.refreshToken = id.RefreshToken
	rec.expiresAt = id.ExpiresAt
	rec.refreshAttempts = 0
	return true
}

// Run drives the periodic refresh sweep until the context ends.
func (m *TokenManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TokenRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, time.Now())
		}
	}
}

// sweep refreshes every credential expiring within the threshold. The
// validator call runs with no lock held.
func (m *TokenManager) sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var due []string
	for id, rec := range m.records {
		if rec.expiresAt.IsZero() {
			continue
		}
		if now.Add(m.cfg.TokenRefreshThreshold).After(rec.expiresAt) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		m.refreshOne(ctx, id)
	}
}

func (m *TokenManager) refreshOne(ctx context.Context, connID string) {
	m.mu.Lock()
	rec, ok := m.records[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	refreshToken := rec.refreshToken
	m.mu.Unlock()

	access, id, err := m.validator.Refresh(ctx, refreshToken)
	if err != nil {
		m.onRefreshFailure(ctx, connID, err)
		return
	}

	m.mu.Lock()
	rec, ok = m.records[connID]
	if ok {
		rec.token = access
		rec.refreshToken = id.RefreshToken
		rec.expiresAt = id.ExpiresAt
		rec.refreshAttempts = 0
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.metrics.TokenRefreshes.WithLabelValues("success").Inc()
	m.log.Debug().Str("conn_id", connID).Time("expires_at", id.ExpiresAt).Msg("token refreshed")

	msg, err := protocol.NewMessage(protocol.TypeTokenRefresh, protocol.TokenRefreshPayload{
		Token:        access,
		RefreshToken: id.RefreshToken,
		ExpiresAt:    id.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	_ = m.pool.SendTo(connID, data)
}

func (m *TokenManager) onRefreshFailure(ctx context.Context, connID string, cause error) {
	m.mu.Lock()
	rec, ok := m.records[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.refreshAttempts++
	attempts := rec.refreshAttempts
	userID, agentID := rec.userID, rec.agentID
	evict := attempts >= m.cfg.TokenMaxRefreshAttempts
	if evict {
		delete(m.records, connID)
	}
	m.mu.Unlock()

	m.metrics.TokenRefreshes.WithLabelValues("failure").Inc()
	m.log.Warn().
		Err(cause).
		Str("conn_id", connID).
		Int("attempts", attempts).
		Msg("token refresh failed")

	if !evict {
		return
	}
	m.pool.CloseSession(connID, protocol.CloseTokenRefreshFailed, "token refresh failed")
	if err := m.audit.Record(ctx, store.AuditEvent{
		Action:       store.AuditTokenEvicted,
		ActorID:      userID,
		ConnectionID: connID,
		AgentID:      agentID,
		Detail:       cause.Error(),
	}); err != nil {
		m.log.Error().Err(err).Msg("failed to record audit event")
	}
}
