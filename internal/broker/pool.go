package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/events"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
)

var (
	// ErrCapacityExceeded is returned by Add when the pool is full.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	// ErrSessionNotFound is returned for operations on unknown connection ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSendBufferFull is returned when a session's outbound queue is full.
	// The session is closed as a side effect.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Pool is the registry of live sessions. It owns membership, identity
// binding, activity bookkeeping, and eviction sweeps. Lookups return
// snapshots; no lock is ever held across a socket write.
type Pool struct {
	log     zerolog.Logger
	cfg     *config.Config
	bus     *events.Bus
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*session
	agents   map[string]string // agent id -> connection id
}

func NewPool(cfg *config.Config, log zerolog.Logger, bus *events.Bus, m *metrics.Metrics) *Pool {
	return &Pool{
		log:      log.With().Str("component", "pool").Logger(),
		cfg:      cfg,
		bus:      bus,
		metrics:  m,
		sessions: make(map[string]*session),
		agents:   make(map[string]string),
	}
}

// Add registers a new session and starts its write pump. The returned
// session starts unauthenticated and healthy.
func (p *Pool) Add(kind Kind, conn Conn) (*session, error) {
	s := newSession(uuid.NewString(), kind, conn, p.log)

	p.mu.Lock()
	if len(p.sessions) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	p.sessions[s.id] = s
	total := len(p.sessions)
	p.mu.Unlock()

	go s.writePump()

	p.metrics.Connections.WithLabelValues(string(kind)).Inc()
	p.metrics.ConnectionsTotal.WithLabelValues(string(kind)).Inc()
	p.bus.Publish(events.Event{
		Name:         events.ConnectionAdded,
		ConnectionID: s.id,
		Kind:         string(kind),
	})
	p.log.Debug().Str("conn_id", s.id).Str("kind", string(kind)).Int("total", total).Msg("session added")
	return s, nil
}

// Remove drops a session from the registry. Safe to call more than once;
// only the first call reports the removal. The session is closed if it
// is not already.
func (p *Pool) Remove(id string) (SessionInfo, bool) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return SessionInfo{}, false
	}
	delete(p.sessions, id)
	if s.agentID != "" && p.agents[s.agentID] == id {
		delete(p.agents, s.agentID)
	}
	p.mu.Unlock()

	s.closeWith(websocket.CloseNormalClosure, "connection closed")
	info := s.snapshot()

	p.metrics.Connections.WithLabelValues(string(s.kind)).Dec()
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()
	p.bus.Publish(events.Event{
		Name:         events.ConnectionRemoved,
		ConnectionID: id,
		Kind:         string(s.kind),
		AgentID:      info.AgentID,
		UserID:       info.UserID,
		Detail:       map[string]any{"code": code, "reason": reason},
	})
	p.log.Debug().
		Str("conn_id", id).
		Str("kind", string(s.kind)).
		Int("close_code", code).
		Str("close_reason", reason).
		Msg("session removed")
	return info, true
}

// get returns the live session for broker-internal use.
func (p *Pool) get(id string) (*session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Get returns a snapshot of one session.
func (p *Pool) Get(id string) (SessionInfo, bool) {
	s, ok := p.get(id)
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// ByAgent returns the session currently bound to an agent identity.
func (p *Pool) ByAgent(agentID string) (SessionInfo, bool) {
	s, ok := p.agentSession(agentID)
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

func (p *Pool) agentSession(agentID string) (*session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.agents[agentID]
	if !ok {
		return nil, false
	}
	s, ok := p.sessions[id]
	return s, ok
}

// ByUser returns all sessions authenticated as the given user.
func (p *Pool) ByUser(userID string) []SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []SessionInfo
	for _, s := range p.sessions {
		info := s.snapshot()
		if info.UserID == userID {
			out = append(out, info)
		}
	}
	return out
}

// ByKind returns snapshots of every session of one kind.
func (p *Pool) ByKind(kind Kind) []SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []SessionInfo
	for _, s := range p.sessions {
		if s.kind == kind {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// List returns snapshots of every live session.
func (p *Pool) List() []SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Len reports the live session count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// MarkAuthenticated records a successful handshake.
func (p *Pool) MarkAuthenticated(id, userID string) bool {
	s, ok := p.get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.authenticated = true
	s.userID = userID
	s.mu.Unlock()
	p.bus.Publish(events.Event{
		Name:         events.ConnectionUpdated,
		ConnectionID: id,
		Kind:         string(s.kind),
		UserID:       userID,
	})
	return true
}

// BindAgent attaches an agent identity to a session. An existing session
// already bound to the same identity is superseded and closed; its
// snapshot is returned so the caller can run disconnect side effects.
func (p *Pool) BindAgent(id, agentID string) (superseded *SessionInfo, err error) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	var old *session
	if oldID, exists := p.agents[agentID]; exists && oldID != id {
		old = p.sessions[oldID]
	}
	p.agents[agentID] = id
	s.mu.Lock()
	s.agentID = agentID
	s.mu.Unlock()
	p.mu.Unlock()

	if old != nil {
		info := old.snapshot()
		superseded = &info
		old.closeWith(websocket.CloseNormalClosure, "superseded by new connection")
		p.log.Warn().Str("agent_id", agentID).Str("old_conn_id", info.ID).Msg("replaced duplicate agent session")
	}
	p.bus.Publish(events.Event{
		Name:         events.ConnectionUpdated,
		ConnectionID: id,
		Kind:         string(s.kind),
		AgentID:      agentID,
	})
	return superseded, nil
}

// SetHealth reclassifies a session, reporting whether the value changed.
func (p *Pool) SetHealth(id string, h Health) bool {
	s, ok := p.get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	changed := s.health != h
	s.health = h
	agentID := s.agentID
	s.mu.Unlock()
	if changed {
		p.bus.Publish(events.Event{
			Name:         events.HealthChanged,
			ConnectionID: id,
			Kind:         string(s.kind),
			AgentID:      agentID,
			Health:       string(h),
		})
	}
	return changed
}

// SendTo queues a frame for one session. A full queue is treated as a
// dead consumer: the session is closed and ErrSendBufferFull returned.
func (p *Pool) SendTo(id string, frame []byte) error {
	s, ok := p.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return p.send(s, frame)
}

func (p *Pool) send(s *session, frame []byte) error {
	if !s.enqueue(frame) {
		p.metrics.SendFailures.Inc()
		s.closeWith(websocket.CloseInternalServerErr, "send queue full")
		p.log.Warn().Str("conn_id", s.id).Msg("send queue full, closing session")
		return ErrSendBufferFull
	}
	p.metrics.BytesTotal.WithLabelValues("out").Add(float64(len(frame)))
	return nil
}

// Broadcast fans one encoded frame out to every session the filter
// accepts. Candidates are snapshotted under the read lock, then sends
// run with no pool lock held. Returns the number of successful sends.
func (p *Pool) Broadcast(frame []byte, filter func(SessionInfo) bool) int {
	p.mu.RLock()
	targets := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if filter == nil || filter(s.snapshot()) {
			targets = append(targets, s)
		}
	}
	p.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if p.send(s, frame) == nil {
			delivered++
		}
	}
	return delivered
}

// BroadcastToDashboards fans a frame out to authenticated dashboards
// whose subscriptions the match function accepts. A nil match delivers
// to every authenticated dashboard.
func (p *Pool) BroadcastToDashboards(frame []byte, match func(*Subscriptions) bool) int {
	return p.Broadcast(frame, func(info SessionInfo) bool {
		if info.Kind != KindDashboard || !info.Authenticated {
			return false
		}
		if match == nil {
			return true
		}
		return match(info.Subscriptions)
	})
}

// CloseSession initiates shutdown of one session with the given close
// code. Registry removal happens when the session's read loop exits.
func (p *Pool) CloseSession(id string, code int, reason string) bool {
	s, ok := p.get(id)
	if !ok {
		return false
	}
	s.closeWith(code, reason)
	return true
}

// CloseIdle closes sessions with no inbound activity for longer than
// maxIdle. Returns the number of sessions closed.
func (p *Pool) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, info := range p.List() {
		if info.LastActivity.Before(cutoff) {
			if p.CloseSession(info.ID, protocol.CloseHeartbeatTimeout, "connection timeout") {
				closed++
			}
		}
	}
	return closed
}

// CloseByKind closes every session of one kind.
func (p *Pool) CloseByKind(kind Kind, code int, reason string) int {
	closed := 0
	for _, info := range p.ByKind(kind) {
		if p.CloseSession(info.ID, code, reason) {
			closed++
		}
	}
	return closed
}

// CloseAll closes every session. Used during shutdown.
func (p *Pool) CloseAll(code int, reason string) {
	for _, info := range p.List() {
		p.CloseSession(info.ID, code, reason)
	}
}

// Run drives the periodic cleanup sweep until the context ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep evicts sessions that overstayed: unauthenticated ones past the
// grace period, idle ones past the connection timeout, and unhealthy
// ones the heartbeat engine somehow has not closed yet.
func (p *Pool) sweep(now time.Time) {
	for _, info := range p.List() {
		switch {
		case !info.Authenticated && now.Sub(info.ConnectedAt) > unauthenticatedLifetime:
			p.log.Info().Str("conn_id", info.ID).Msg("evicting unauthenticated session")
			p.CloseSession(info.ID, protocol.CloseAuthTimeout, "authentication timeout")
		case now.Sub(info.LastActivity) > p.cfg.ConnectionTimeout:
			p.log.Info().
				Str("conn_id", info.ID).
				Dur("idle", now.Sub(info.LastActivity)).
				Msg("evicting idle session")
			p.CloseSession(info.ID, protocol.CloseHeartbeatTimeout, "connection timeout")
		case info.MissedPings >= p.cfg.MaxMissedPings:
			p.CloseSession(info.ID, protocol.CloseHealthCheckFailed, "health check failed")
		}
	}
}
