package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
)

// Latency thresholds for health classification.
const (
	latencyHealthy  = 1 * time.Second
	latencyDegraded = 5 * time.Second
)

// Missed-ping thresholds. Two consecutive misses degrade a session,
// three make it unhealthy; the configured maximum closes it.
const (
	missesDegraded  = 2
	missesUnhealthy = 3
)

// HeartbeatEngine pings every session at a fixed interval and arms a
// watchdog per ping. Transport pongs answer those pings and carry the
// latency measurement; app-level PING and PONG frames prove liveness
// but never move health.
type HeartbeatEngine struct {
	log     zerolog.Logger
	cfg     *config.Config
	pool    *Pool
	metrics *metrics.Metrics

	mu        sync.Mutex
	watchdogs map[string]*time.Timer
}

func NewHeartbeatEngine(cfg *config.Config, log zerolog.Logger, pool *Pool, m *metrics.Metrics) *HeartbeatEngine {
	return &HeartbeatEngine{
		log:       log.With().Str("component", "heartbeat").Logger(),
		cfg:       cfg,
		pool:      pool,
		metrics:   m,
		watchdogs: make(map[string]*time.Timer),
	}
}

// Start begins the ping loop for a session. The loop ends with the
// session's context; no explicit Stop call is needed.
func (h *HeartbeatEngine) Start(s *session) {
	go h.loop(s)
}

func (h *HeartbeatEngine) loop(s *session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer h.disarm(s.id)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			h.ping(s)
		}
	}
}

// ping writes a transport ping and arms the pong watchdog. Control
// frames may be written concurrently with the write pump.
func (h *HeartbeatEngine) ping(s *session) {
	deadline := time.Now().Add(writeWait)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		// Socket is going away; the read loop will observe it.
		return
	}
	s.mu.Lock()
	s.lastPingSent = time.Now()
	s.mu.Unlock()
	h.arm(s)
}

func (h *HeartbeatEngine) arm(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.watchdogs[s.id]; ok {
		t.Stop()
	}
	h.watchdogs[s.id] = time.AfterFunc(h.cfg.PongTimeout, func() {
		h.onPongTimeout(s)
	})
}

// disarm stops the session's watchdog and reports whether one was
// armed, meaning a transport ping is still waiting on its pong.
func (h *HeartbeatEngine) disarm(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.watchdogs[id]
	if ok {
		t.Stop()
		delete(h.watchdogs, id)
	}
	return ok
}

// PongReceived handles a transport pong: it clears the outstanding
// watchdog, resets the miss count, and reclassifies the session from
// measured latency. Latency pairs strictly with the ping the watchdog
// was armed for; a pong without one only counts as liveness.
func (h *HeartbeatEngine) PongReceived(connID string) {
	s, ok := h.pool.get(connID)
	if !ok {
		return
	}
	answered := h.disarm(connID)

	now := time.Now()
	s.mu.Lock()
	pingAt := s.lastPingSent
	s.lastPong = now
	s.missedPings = 0
	s.mu.Unlock()

	if !answered || pingAt.IsZero() {
		return
	}
	latency := now.Sub(pingAt)
	h.metrics.HeartbeatLatency.Observe(latency.Seconds())
	h.pool.SetHealth(connID, healthForLatency(latency))
}

// MarkAlive records peer activity from the app-level PING and PONG
// channel: the miss count resets and any watchdog is disarmed, but
// health and the latency histogram stay untouched.
func (h *HeartbeatEngine) MarkAlive(connID string) {
	s, ok := h.pool.get(connID)
	if !ok {
		return
	}
	h.disarm(connID)

	s.mu.Lock()
	s.missedPings = 0
	s.mu.Unlock()
}

func healthForLatency(d time.Duration) Health {
	switch {
	case d < latencyHealthy:
		return HealthHealthy
	case d < latencyDegraded:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// onPongTimeout escalates a missed pong. The watchdog entry has already
// fired, so only the map cleanup remains.
func (h *HeartbeatEngine) onPongTimeout(s *session) {
	h.mu.Lock()
	delete(h.watchdogs, s.id)
	h.mu.Unlock()

	s.mu.Lock()
	s.missedPings++
	n := s.missedPings
	s.mu.Unlock()

	h.metrics.HeartbeatMisses.Inc()
	h.log.Debug().Str("conn_id", s.id).Int("missed", n).Msg("pong timeout")

	switch {
	case n >= h.cfg.MaxMissedPings:
		h.pool.SetHealth(s.id, HealthUnhealthy)
		h.log.Warn().Str("conn_id", s.id).Int("missed", n).Msg("closing unresponsive session")
		h.pool.CloseSession(s.id, protocol.CloseHealthCheckFailed, "health check failed")
	case n >= missesUnhealthy:
		h.pool.SetHealth(s.id, HealthUnhealthy)
	case n >= missesDegraded:
		h.pool.SetHealth(s.id, HealthDegraded)
	}
}
