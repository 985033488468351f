// Package broker implements the control-plane core: the connection pool,
// heartbeat engine, token lifecycle, message router, and terminal stream
// multiplexer behind the /ws/agent and /ws/dashboard endpoints.
package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Kind distinguishes agent and dashboard sessions.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindDashboard Kind = "dashboard"
)

// Health classifies a session from heartbeat behavior.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// sendQueueSize is the per-session outbound buffer. A full queue is a
	// send failure and closes the session.
	sendQueueSize = 256
	// unauthenticatedLifetime is how long a session may stay unauthenticated
	// before cleanup evicts it.
	unauthenticatedLifetime = 60 * time.Second
)

// Conn is the socket surface the broker needs. *websocket.Conn satisfies
// it; tests substitute a pipe-backed fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// session is one live duplex connection. The pool map owns membership;
// the session's own mutex guards its mutable state. The read loop and
// the write pump are the only socket readers/writers, except for control
// frames which gorilla allows from any goroutine.
type session struct {
	id     string
	kind   Kind
	conn   Conn
	remote string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	// upgradeToken is the bearer presented at the HTTP upgrade, kept as
	// the fallback credential for the handshake message.
	upgradeToken string

	closeOnce sync.Once

	mu            sync.Mutex
	agentID       string
	userID        string
	authenticated bool
	health        Health
	connectedAt   time.Time
	lastActivity  time.Time
	lastPingSent  time.Time
	lastPong      time.Time
	messages      int64
	bytes         int64
	missedPings   int
	subs          *Subscriptions
	closeCode     int
	closeReason   string
}

func newSession(id string, kind Kind, conn Conn, log zerolog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          id,
		kind:        kind,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		health:      HealthHealthy,
		connectedAt: time.Now(),
		log:         log.With().Str("conn_id", id).Str("kind", string(kind)).Logger(),
	}
	s.lastActivity = s.connectedAt
	if conn.RemoteAddr() != nil {
		s.remote = conn.RemoteAddr().String()
	}
	if kind == KindDashboard {
		s.subs = NewSubscriptions()
	}
	return s
}

// enqueue hands a frame to the write pump. It never blocks; a full queue
// reports failure and the caller closes the session.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket. It is the sole writer
// of data frames. On cancel it flushes whatever is still queued and sends
// the close frame, so an ERROR enqueued just before eviction still
// reaches the peer.
func (s *session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.ctx.Done():
			s.flushAndCloseFrame()
			return
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// flushAndCloseFrame empties the send queue onto the socket, then writes
// the close frame with the recorded code. One shared deadline bounds the
// whole farewell.
func (s *session) flushAndCloseFrame() {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.SetWriteDeadline(deadline)
	for {
		select {
		case frame := <-s.send:
			if s.conn.WriteMessage(websocket.TextMessage, frame) != nil {
				return
			}
		default:
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			s.mu.Unlock()
			if code == 0 {
				code = websocket.CloseNormalClosure
				reason = "connection closed"
			}
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// closeWith marks the session closed exactly once and cancels its
// context. The write pump observes the cancel, flushes, and closes the
// socket; the recorded code/reason feed both the close frame and the
// removal event.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *session) agentIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *session) userIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// touch records inbound activity. Single update point for the activity
// counters; called from the session's read loop only.
func (s *session) touch(bytes int) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.messages++
	s.bytes += int64(bytes)
	s.mu.Unlock()
}

// SessionInfo is a point-in-time snapshot of one session. Counters are
// copies; Subscriptions is a live concurrency-safe view (nil for agents).
type SessionInfo struct {
	ID            string
	Kind          Kind
	Remote        string
	AgentID       string
	UserID        string
	Authenticated bool
	Health        Health
	ConnectedAt   time.Time
	LastActivity  time.Time
	LastPingSent  time.Time
	LastPong      time.Time
	Messages      int64
	Bytes         int64
	MissedPings   int
	Subscriptions *Subscriptions
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.id,
		Kind:          s.kind,
		Remote:        s.remote,
		AgentID:       s.agentID,
		UserID:        s.userID,
		Authenticated: s.authenticated,
		Health:        s.health,
		ConnectedAt:   s.connectedAt,
		LastActivity:  s.lastActivity,
		LastPingSent:  s.lastPingSent,
		LastPong:      s.lastPong,
		Messages:      s.messages,
		Bytes:         s.bytes,
		MissedPings:   s.missedPings,
		Subscriptions: s.subs,
	}
}
