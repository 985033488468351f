package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/switchboard-dev/switchboard/internal/broker"
)

// ═══════════════════════════════════════════════════════════════════════════
// WebSocket upgrades
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	s.handleSocket(w, r, s.broker.HandleAgent)
}

func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	s.handleSocket(w, r, s.broker.HandleDashboard)
}

// handleSocket runs the shared upgrade path and then hands the socket to
// the broker, blocking for the life of the session.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, handle func(broker.Conn, string) error) {
	if !s.limits.allow(clientIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.broker.Capacity() {
		http.Error(w, "connection capacity exceeded", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("websocket upgrade refused")
		return
	}

	if err := handle(conn, token); err != nil {
		// The capacity check above raced with another upgrade.
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capacity exceeded")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		s.log.Warn().Err(err).Msg("session refused after upgrade")
	}
}

// bearerToken extracts the credential from the Authorization header,
// falling back to the token query parameter for browser WebSocket
// clients that cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// clientIP returns the peer address with the port stripped. RealIP
// middleware has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ═══════════════════════════════════════════════════════════════════════════
// Probes
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("readiness probe failed")
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// ═══════════════════════════════════════════════════════════════════════════
// Ops API
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	system := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"goVersion":  runtime.Version(),
	}
	if percents, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percents) > 0 {
		system["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		system["memoryPercent"] = vm.UsedPercent
		system["memoryUsedMb"] = vm.Used / (1 << 20)
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": VersionInfo(),
		"broker":  s.broker.Stats(),
		"system":  system,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.Agents().List(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list agents")
		s.respondJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list agents"})
		return
	}

	agents := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		entry := map[string]any{
			"id":     info.ID,
			"name":   info.Name,
			"type":   info.Type,
			"status": info.Status,
			"live":   s.broker.AgentLive(info.ID),
		}
		if !info.LastSeen.IsZero() {
			entry["lastSeen"] = info.LastSeen
		}
		agents = append(agents, entry)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	sessions := s.broker.Sessions()
	conns := make([]map[string]any, 0, len(sessions))
	for _, info := range sessions {
		entry := map[string]any{
			"id":            info.ID,
			"kind":          info.Kind,
			"authenticated": info.Authenticated,
			"health":        info.Health,
			"connectedAt":   info.ConnectedAt,
			"lastActivity":  info.LastActivity,
			"missedPings":   info.MissedPings,
		}
		if info.AgentID != "" {
			entry["agentId"] = info.AgentID
		}
		if info.UserID != "" {
			entry["userId"] = info.UserID
		}
		if info.Kind == broker.KindDashboard && info.Subscriptions != nil {
			entry["subscriptions"] = info.Subscriptions.Snapshot()
		}
		conns = append(conns, entry)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.respondJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	evts, err := s.store.RecentAuditEvents(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list audit events")
		s.respondJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list audit events"})
		return
	}

	out := make([]map[string]any, 0, len(evts))
	for _, evt := range evts {
		entry := map[string]any{
			"id":     evt.ID,
			"time":   evt.Time,
			"action": evt.Action,
		}
		if evt.ActorID != "" {
			entry["actorId"] = evt.ActorID
		}
		if evt.ConnectionID != "" {
			entry["connectionId"] = evt.ConnectionID
		}
		if evt.AgentID != "" {
			entry["agentId"] = evt.AgentID
		}
		if evt.CommandID != "" {
			entry["commandId"] = evt.CommandID
		}
		if evt.Detail != "" {
			entry["detail"] = evt.Detail
		}
		out = append(out, entry)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("encode response")
	}
}
