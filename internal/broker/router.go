package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-dev/switchboard/internal/auth"
	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/events"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
	"github.com/switchboard-dev/switchboard/internal/store"
)

// affinityGrace extends a command's affinity deadline past its execution
// time limit so slow result frames still find their owner.
const affinityGrace = 60 * time.Second

// Router validates inbound frames, authorizes them per session kind, and
// dispatches them by type. It owns the command affinity table; targeted
// sends and fan-out go through the pool.
type Router struct {
	log      zerolog.Logger
	cfg      *config.Config
	pool     *Pool
	hb       *HeartbeatEngine
	tokens   *TokenManager
	affinity *AffinityTable
	mux      *TerminalMux

	validator auth.TokenValidator
	agents    store.AgentService
	commands  store.CommandService
	audit     store.AuditService

	bus     *events.Bus
	metrics *metrics.Metrics
}

// HandleInbound is the single entry point for every decoded-or-not frame
// a session produces. Envelope validation, type authorization, and the
// authenticated-state gate run here; per-type handlers never see a frame
// that failed them.
func (r *Router) HandleInbound(s *session, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.sendError(s, protocol.CodeInvalidMessage, err.Error())
		return
	}

	allowed := protocol.AllowedFromAgent
	if s.kind == KindDashboard {
		allowed = protocol.AllowedFromDashboard
	}
	if !allowed(msg.Type) {
		r.sendError(s, protocol.CodeInvalidMessageType, "type "+msg.Type+" not allowed for "+string(s.kind))
		return
	}
	r.metrics.MessagesTotal.WithLabelValues("in", protocol.CanonicalType(msg.Type)).Inc()
	r.metrics.BytesTotal.WithLabelValues("in").Add(float64(len(raw)))

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Interface("panic", rec).
				Str("conn_id", s.id).
				Str("type", msg.Type).
				Msg("message handler panic")
			r.sendError(s, protocol.CodeInternalError, "internal error")
		}
	}()

	if !s.isAuthenticated() {
		switch msg.Type {
		case protocol.TypeDashboardInit:
			r.handleDashboardInit(s, msg)
		case protocol.TypeAgentConnect:
			r.handleAgentConnect(s, msg)
		case protocol.TypePing:
			r.handlePing(s, msg)
		case protocol.TypePong:
			r.hb.MarkAlive(s.id)
		default:
			r.sendError(s, protocol.CodeUnauthorized, "authenticate first")
		}
		return
	}

	if s.kind == KindDashboard {
		r.dispatchDashboard(s, msg)
	} else {
		r.dispatchAgent(s, msg)
	}
}

func (r *Router) dispatchDashboard(s *session, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeDashboardInit:
		r.sendError(s, protocol.CodeInitFailed, "session already initialized")
	case protocol.TypeDashboardSubscribe:
		r.handleSubscribe(s, msg)
	case protocol.TypeDashboardUnsubscribe:
		r.handleUnsubscribe(s, msg)
	case protocol.TypeCommandRequest:
		r.handleCommandRequest(s, msg)
	case protocol.TypeCommandCancel:
		r.handleCommandCancel(s, msg)
	case protocol.TypeAgentControl:
		r.handleAgentControl(s, msg)
	case protocol.TypeEmergencyStop:
		r.handleEmergencyStop(s, msg)
	case protocol.TypeTokenRefresh:
		r.handleTokenEcho(s, msg)
	case protocol.TypePing:
		r.handlePing(s, msg)
	case protocol.TypePong:
		r.hb.MarkAlive(s.id)
	}
}

func (r *Router) dispatchAgent(s *session, msg *protocol.Message) {
	switch protocol.CanonicalType(msg.Type) {
	case protocol.TypeAgentConnect:
		r.sendError(s, protocol.CodeInitFailed, "agent already connected")
	case protocol.TypeAgentStatus:
		r.handleAgentStatus(s, msg)
	case protocol.TypeAgentHeartbeat:
		r.handleAgentHeartbeat(s, msg)
	case protocol.TypeCommandStatus:
		r.handleCommandStatus(s, msg)
	case protocol.TypeCommandProgress:
		r.handleCommandProgress(s, msg)
	case protocol.TypeCommandResult:
		r.handleCommandResult(s, msg)
	case protocol.TypeTerminalStream:
		r.handleTerminalStream(s, msg)
	case protocol.TypeTraceStream:
		r.handleTraceStream(s, msg)
	case protocol.TypePing:
		r.handlePing(s, msg)
	case protocol.TypePong:
		r.hb.MarkAlive(s.id)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Handshakes
// ═══════════════════════════════════════════════════════════════════════════

func (r *Router) handleDashboardInit(s *session, msg *protocol.Message) {
	var p protocol.DashboardInitPayload
	if err := msg.ParsePayload(&p); err != nil {
		r.sendError(s, protocol.CodeInitFailed, "invalid init payload")
		return
	}

	token := p.Token
	if token == "" {
		token = s.upgradeToken
	}
	identity, err := r.validator.Validate(s.ctx, token)
	if err != nil {
		r.recordAuthFailure(s, "", err)
		r.sendError(s, protocol.CodeUnauthorized, "invalid token")
		r.pool.CloseSession(s.id, protocol.CloseAuthTimeout, "authentication failed")
		return
	}
	userID := identity.UserID
	if userID == "" {
		userID = p.UserID
	}

	// Snapshot the directory before mutating session state so a store
	// failure leaves the session cleanly uninitialized.
	directory, err := r.agents.List(s.ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("agent directory unavailable")
		r.sendError(s, protocol.CodeInitFailed, "agent directory unavailable")
		return
	}
	active, err := r.commands.ListActive(s.ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("command listing unavailable")
		r.sendError(s, protocol.CodeInitFailed, "command listing unavailable")
		return
	}

	r.pool.MarkAuthenticated(s.id, userID)
	s.subs.ApplyInit(p.Subscriptions)
	r.tokens.Register(s.id, KindDashboard, token, identity)
	r.hb.Start(s)
	r.bus.Publish(events.Event{
		Name:         events.DashboardConnected,
		ConnectionID: s.id,
		Kind:         string(KindDashboard),
		UserID:       userID,
	})
	r.log.Info().Str("conn_id", s.id).Str("user_id", userID).Msg("dashboard authenticated")

	snap := s.subs.Snapshot()
	summaries := make([]protocol.AgentSummary, 0, len(directory))
	for _, a := range directory {
		status := protocol.AgentDisconnected
		if _, live := r.pool.ByAgent(a.ID); live {
			status = protocol.AgentConnected
		}
		summaries = append(summaries, protocol.AgentSummary{
			ID:     a.ID,
			Name:   a.Name,
			Type:   strings.ToUpper(a.Type),
			Status: strings.ToUpper(status),
		})
	}
	r.reply(s, protocol.TypeDashboardConnected, protocol.DashboardConnectedPayload{
		ConnectionID:  s.id,
		ServerTime:    time.Now().UnixMilli(),
		Agents:        summaries,
		Subscriptions: snap,
	})

	for _, a := range directory {
		if !s.subs.MatchesAgent(a.ID) {
			continue
		}
		status := protocol.AgentDisconnected
		if _, live := r.pool.ByAgent(a.ID); live {
			status = protocol.AgentConnected
		}
		r.reply(s, protocol.TypeAgentStatus, protocol.AgentStatusPayload{
			AgentID:   a.ID,
			Status:    status,
			Name:      a.Name,
			AgentType: a.Type,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	for _, c := range active {
		if !s.subs.MatchesCommand(c.ID) {
			continue
		}
		r.reply(s, protocol.TypeCommandStatus, protocol.CommandStatusPayload{
			CommandID: c.ID,
			AgentID:   c.AgentID,
			Status:    c.Status,
			Timestamp: c.UpdatedAt.UnixMilli(),
		})
	}
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, Subscriptions: &snap})
}

func (r *Router) handleAgentConnect(s *session, msg *protocol.Message) {
	var p protocol.AgentConnectPayload
	if err := msg.ParsePayload(&p); err != nil || p.AgentID == "" {
		r.sendError(s, protocol.CodeInitFailed, "invalid connect payload")
		return
	}

	identity, err := r.validator.Validate(s.ctx, s.upgradeToken)
	if err != nil {
		r.recordAuthFailure(s, p.AgentID, err)
		r.sendError(s, protocol.CodeUnauthorized, "invalid token")
		r.pool.CloseSession(s.id, protocol.CloseAuthTimeout, "authentication failed")
		return
	}
	if identity.AgentID != "" && identity.AgentID != p.AgentID {
		r.recordAuthFailure(s, p.AgentID, auth.ErrInvalidToken)
		r.sendError(s, protocol.CodeUnauthorized, "token not valid for agent "+p.AgentID)
		r.pool.CloseSession(s.id, protocol.CloseAuthTimeout, "authentication failed")
		return
	}

	if _, err := r.pool.BindAgent(s.id, p.AgentID); err != nil {
		r.sendError(s, protocol.CodeInternalError, "session no longer registered")
		return
	}
	r.pool.MarkAuthenticated(s.id, identity.UserID)
	r.tokens.Register(s.id, KindAgent, s.upgradeToken, identity)
	r.hb.Start(s)

	if err := r.agents.Register(s.ctx, store.AgentInfo{ID: p.AgentID, Name: p.Name, Type: p.AgentType}); err != nil {
		r.log.Error().Err(err).Str("agent_id", p.AgentID).Msg("failed to register agent")
	}
	if err := r.agents.MarkConnected(s.ctx, p.AgentID, s.id); err != nil {
		r.log.Error().Err(err).Str("agent_id", p.AgentID).Msg("failed to mark agent connected")
	}

	r.bus.Publish(events.Event{
		Name:         events.AgentConnected,
		ConnectionID: s.id,
		Kind:         string(KindAgent),
		AgentID:      p.AgentID,
		UserID:       identity.UserID,
	})
	r.log.Info().
		Str("conn_id", s.id).
		Str("agent_id", p.AgentID).
		Str("version", p.Version).
		Msg("agent authenticated")

	r.reply(s, protocol.TypeAgentConnected, protocol.AgentConnectedPayload{
		AgentID:        p.AgentID,
		ConnectionID:   s.id,
		ServerTime:     time.Now().UnixMilli(),
		PingIntervalMs: r.cfg.PingInterval.Milliseconds(),
	})
	r.fanoutToDashboards(protocol.TypeAgentStatus, protocol.AgentStatusPayload{
		AgentID:   p.AgentID,
		Status:    protocol.AgentConnected,
		Name:      p.Name,
		AgentType: p.AgentType,
		Timestamp: time.Now().UnixMilli(),
	}, func(subs *Subscriptions) bool { return subs.MatchesAgent(p.AgentID) })
}

// ═══════════════════════════════════════════════════════════════════════════
// Dashboard-originated traffic
// ═══════════════════════════════════════════════════════════════════════════

func (r *Router) handleSubscribe(s *session, msg *protocol.Message) {
	var req protocol.SubscriptionRequest
	if err := msg.ParsePayload(&req); err != nil {
		r.sendError(s, protocol.CodeSubscriptionFailed, "invalid subscription payload")
		return
	}

	// Subscribing to every agent also pins the concrete ids known to the
	// directory, so later unsubscribes can be selective.
	if containsWildcard(req.Agents) {
		directory, err := r.agents.List(s.ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("agent directory unavailable")
			r.sendError(s, protocol.CodeSubscriptionFailed, "agent directory unavailable")
			return
		}
		for _, a := range directory {
			req.Agents = append(req.Agents, a.ID)
		}
	}

	s.subs.Add(&req)
	snap := s.subs.Snapshot()
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, Subscriptions: &snap})
}

func (r *Router) handleUnsubscribe(s *session, msg *protocol.Message) {
	var req protocol.SubscriptionRequest
	if err := msg.ParsePayload(&req); err != nil {
		r.sendError(s, protocol.CodeUnsubscribeFailed, "invalid subscription payload")
		return
	}
	s.subs.Remove(&req)
	snap := s.subs.Snapshot()
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, Subscriptions: &snap})
}

func (r *Router) handleCommandRequest(s *session, msg *protocol.Message) {
	var p protocol.CommandRequestPayload
	if err := msg.ParsePayload(&p); err != nil || p.AgentID == "" || p.CommandID == "" || p.Command == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "command request requires agentId, commandId, command")
		return
	}

	timeLimit := r.cfg.CommandTimeLimit.Milliseconds()
	if p.TimeLimitMs != nil && *p.TimeLimitMs > 0 {
		timeLimit = *p.TimeLimitMs
	}
	maxRetries := r.cfg.CommandMaxRetries
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		maxRetries = *p.MaxRetries
	}

	userID := s.userIdentity()
	err := r.affinity.Register(AffinityEntry{
		CommandID:   p.CommandID,
		DashboardID: s.id,
		AgentID:     p.AgentID,
		UserID:      userID,
		Deadline:    time.Now().Add(time.Duration(timeLimit)*time.Millisecond + affinityGrace),
	})
	if err != nil {
		r.sendError(s, protocol.CodeRoutingFailed, "command id already active")
		return
	}
	subAdded := s.subs.AddCommand(p.CommandID)

	rollback := func() {
		r.affinity.Remove(p.CommandID)
		if subAdded {
			s.subs.RemoveCommand(p.CommandID)
		}
	}

	target, ok := r.pool.ByAgent(p.AgentID)
	if !ok || !target.Authenticated {
		rollback()
		r.sendError(s, protocol.CodeRoutingFailed, "agent "+p.AgentID+" not connected")
		return
	}

	args := p.Args
	if args == nil {
		args = []string{}
	}
	out, err := protocol.NewMessage(protocol.TypeCommandRequest, protocol.AgentCommandPayload{
		CommandID: p.CommandID,
		Content:   p.Command,
		Command:   p.Command,
		Type:      protocol.CommandTypeNatural,
		Priority:  normalizePriority(p.Priority),
		Args:      args,
		Constraints: protocol.ExecutionConstraints{
			TimeLimitMs: timeLimit,
			MaxRetries:  maxRetries,
		},
		DashboardID: s.id,
		UserID:      userID,
	})
	if err != nil {
		rollback()
		r.sendError(s, protocol.CodeInternalError, "failed to build command")
		return
	}
	data, err := out.Encode()
	if err != nil {
		rollback()
		r.sendError(s, protocol.CodeInternalError, "failed to encode command")
		return
	}
	if err := r.pool.SendTo(target.ID, data); err != nil {
		rollback()
		r.sendError(s, protocol.CodeRoutingFailed, "send to agent failed")
		return
	}
	r.metrics.MessagesTotal.WithLabelValues("out", protocol.TypeCommandRequest).Inc()
	r.metrics.CommandsTotal.WithLabelValues(protocol.CommandQueued).Inc()

	if err := r.commands.Create(s.ctx, store.CommandRecord{
		ID:          p.CommandID,
		AgentID:     p.AgentID,
		DashboardID: s.id,
		UserID:      userID,
		Command:     p.Command,
		Status:      protocol.CommandQueued,
	}); err != nil {
		r.log.Error().Err(err).Str("command_id", p.CommandID).Msg("failed to record command")
	}

	r.bus.Publish(events.Event{
		Name:         events.CommandDispatched,
		ConnectionID: s.id,
		CommandID:    p.CommandID,
		AgentID:      p.AgentID,
		UserID:       userID,
	})
	r.log.Info().
		Str("command_id", p.CommandID).
		Str("agent_id", p.AgentID).
		Str("dashboard_id", s.id).
		Msg("command dispatched")

	r.broadcastQueueUpdate(p.AgentID)
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, CommandID: p.CommandID, AgentID: p.AgentID})
}

func (r *Router) handleCommandCancel(s *session, msg *protocol.Message) {
	var p protocol.CommandCancelPayload
	if err := msg.ParsePayload(&p); err != nil || p.CommandID == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "cancel requires commandId")
		return
	}

	entry, ok := r.affinity.Owner(p.CommandID)
	if !ok {
		r.sendError(s, protocol.CodeRoutingFailed, "no active command "+p.CommandID)
		return
	}
	if entry.DashboardID != s.id {
		r.log.Warn().
			Str("command_id", p.CommandID).
			Str("conn_id", s.id).
			Str("owner_id", entry.DashboardID).
			Msg("cancel rejected: not the owner")
		r.sendError(s, protocol.CodeForbidden, "command "+p.CommandID+" is owned by another dashboard")
		return
	}

	target, ok := r.pool.ByAgent(entry.AgentID)
	if !ok {
		r.sendError(s, protocol.CodeRoutingFailed, "agent "+entry.AgentID+" not connected")
		return
	}
	out, err := protocol.NewMessage(protocol.TypeCommandCancel, protocol.CommandCancelPayload{
		AgentID:   entry.AgentID,
		CommandID: p.CommandID,
		Reason:    p.Reason,
	})
	if err != nil {
		r.sendError(s, protocol.CodeInternalError, "failed to build cancel")
		return
	}
	data, _ := out.Encode()
	if err := r.pool.SendTo(target.ID, data); err != nil {
		r.sendError(s, protocol.CodeRoutingFailed, "send to agent failed")
		return
	}
	r.metrics.MessagesTotal.WithLabelValues("out", protocol.TypeCommandCancel).Inc()

	if err := r.audit.Record(s.ctx, store.AuditEvent{
		Action:       store.AuditCommandCancel,
		ActorID:      s.userIdentity(),
		ConnectionID: s.id,
		AgentID:      entry.AgentID,
		CommandID:    p.CommandID,
		Detail:       p.Reason,
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to record audit event")
	}
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, CommandID: p.CommandID})
}

func (r *Router) handleAgentControl(s *session, msg *protocol.Message) {
	var p protocol.AgentControlPayload
	if err := msg.ParsePayload(&p); err != nil || p.AgentID == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "control requires agentId and action")
		return
	}
	switch p.Action {
	case protocol.ControlStart, protocol.ControlStop, protocol.ControlRestart:
	default:
		r.sendError(s, protocol.CodeInvalidMessage, "unknown control action "+p.Action)
		return
	}

	target, ok := r.pool.ByAgent(p.AgentID)
	if !ok || !target.Authenticated {
		r.sendError(s, protocol.CodeRoutingFailed, "agent "+p.AgentID+" not connected")
		return
	}
	out, err := protocol.NewMessage(protocol.TypeAgentControl, p)
	if err != nil {
		r.sendError(s, protocol.CodeInternalError, "failed to build control")
		return
	}
	data, _ := out.Encode()
	if err := r.pool.SendTo(target.ID, data); err != nil {
		r.sendError(s, protocol.CodeRoutingFailed, "send to agent failed")
		return
	}
	r.metrics.MessagesTotal.WithLabelValues("out", protocol.TypeAgentControl).Inc()

	if err := r.audit.Record(s.ctx, store.AuditEvent{
		Action:       store.AuditAgentControl,
		ActorID:      s.userIdentity(),
		ConnectionID: s.id,
		AgentID:      p.AgentID,
		Detail:       p.Action,
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to record audit event")
	}
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, AgentID: p.AgentID})
}

func (r *Router) handleEmergencyStop(s *session, msg *protocol.Message) {
	var p protocol.EmergencyStopPayload
	if err := msg.ParsePayload(&p); err != nil {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid emergency stop payload")
		return
	}
	if p.InitiatedBy == "" {
		p.InitiatedBy = s.userIdentity()
	}

	out, err := protocol.NewMessage(protocol.TypeEmergencyStop, p)
	if err != nil {
		r.sendError(s, protocol.CodeInternalError, "failed to build emergency stop")
		return
	}
	data, _ := out.Encode()
	delivered := r.pool.Broadcast(data, func(info SessionInfo) bool {
		return info.Kind == KindAgent && info.Authenticated
	})
	if delivered > 0 {
		r.metrics.MessagesTotal.WithLabelValues("out", protocol.TypeEmergencyStop).Add(float64(delivered))
	}
	// Other dashboards learn about the stop too.
	r.pool.Broadcast(data, func(info SessionInfo) bool {
		return info.Kind == KindDashboard && info.Authenticated && info.ID != s.id
	})

	if err := r.audit.Record(s.ctx, store.AuditEvent{
		Action:       store.AuditEmergencyStop,
		ActorID:      p.InitiatedBy,
		ConnectionID: s.id,
		Detail:       p.Reason,
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to record audit event")
	}
	r.bus.Publish(events.Event{
		Name:         events.EmergencyStop,
		ConnectionID: s.id,
		UserID:       p.InitiatedBy,
		Detail:       map[string]any{"reason": p.Reason, "delivered": delivered},
	})
	r.log.Warn().
		Str("initiated_by", p.InitiatedBy).
		Int("agents", delivered).
		Msg("emergency stop broadcast")
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true, Delivered: delivered})
}

func (r *Router) handleTokenEcho(s *session, msg *protocol.Message) {
	var p protocol.TokenRefreshPayload
	if err := msg.ParsePayload(&p); err != nil || p.Token == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "token refresh requires token")
		return
	}
	identity, err := r.validator.Validate(s.ctx, p.Token)
	if err != nil {
		r.sendError(s, protocol.CodeUnauthorized, "invalid token")
		return
	}
	r.tokens.Adopt(s.id, p.Token, identity)
	r.sendAck(s, protocol.AckPayload{MessageID: msg.ID, Success: true})
}

func (r *Router) handlePing(s *session, msg *protocol.Message) {
	r.hb.MarkAlive(s.id)
	r.reply(s, protocol.TypePong, protocol.PongPayload{
		Timestamp: msg.Timestamp,
		Latency:   time.Now().UnixMilli() - msg.Timestamp,
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Agent-originated traffic
// ═══════════════════════════════════════════════════════════════════════════

func (r *Router) handleAgentStatus(s *session, msg *protocol.Message) {
	var p protocol.AgentStatusPayload
	if err := msg.ParsePayload(&p); err != nil {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid status payload")
		return
	}
	p.AgentID = s.agentIdentity()
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	r.fanoutToDashboards(protocol.TypeAgentStatus, p, func(subs *Subscriptions) bool {
		return subs.MatchesAgent(p.AgentID)
	})
}

func (r *Router) handleAgentHeartbeat(s *session, msg *protocol.Message) {
	var p protocol.AgentHeartbeatPayload
	if err := msg.ParsePayload(&p); err != nil {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid heartbeat payload")
		return
	}
	agentID := s.agentIdentity()
	if p.Metrics == nil {
		return
	}
	r.fanoutToDashboards(protocol.TypeAgentMetrics, protocol.AgentMetricsPayload{
		AgentID:   agentID,
		Metrics:   *p.Metrics,
		Timestamp: time.Now().UnixMilli(),
	}, func(subs *Subscriptions) bool {
		return subs.MatchesAgent(agentID)
	})
}

func (r *Router) handleCommandStatus(s *session, msg *protocol.Message) {
	var p protocol.CommandStatusPayload
	if err := msg.ParsePayload(&p); err != nil || p.CommandID == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid command status payload")
		return
	}
	p.AgentID = s.agentIdentity()
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}

	if err := r.commands.UpdateStatus(s.ctx, p.CommandID, p.Status, p.Reason); err != nil && !errorsIsNotFound(err) {
		r.log.Error().Err(err).Str("command_id", p.CommandID).Msg("failed to update command status")
	}

	owner, _ := r.affinity.Owner(p.CommandID)
	r.fanoutToDashboards(protocol.TypeCommandStatus, p, nil, commandTargets(p.CommandID, owner.DashboardID))

	if protocol.IsTerminalCommandStatus(p.Status) {
		r.finishCommand(p.CommandID, p.AgentID, p.Status)
	}
}

func (r *Router) handleCommandProgress(s *session, msg *protocol.Message) {
	var p protocol.CommandProgressPayload
	if err := msg.ParsePayload(&p); err != nil || p.CommandID == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid progress payload")
		return
	}
	p.AgentID = s.agentIdentity()
	owner, _ := r.affinity.Owner(p.CommandID)
	r.fanoutToDashboards(protocol.TypeCommandProgress, p, nil, commandTargets(p.CommandID, owner.DashboardID))
}

func (r *Router) handleCommandResult(s *session, msg *protocol.Message) {
	var p protocol.CommandResultPayload
	if err := msg.ParsePayload(&p); err != nil || p.CommandID == "" {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid result payload")
		return
	}
	p.AgentID = s.agentIdentity()
	if p.Status == "" {
		p.Status = protocol.CommandCompleted
	}

	if err := r.commands.UpdateStatus(s.ctx, p.CommandID, p.Status, p.Error); err != nil && !errorsIsNotFound(err) {
		r.log.Error().Err(err).Str("command_id", p.CommandID).Msg("failed to update command status")
	}

	owner, _ := r.affinity.Owner(p.CommandID)
	r.fanoutToDashboards(protocol.TypeCommandResult, p, nil, commandTargets(p.CommandID, owner.DashboardID))
	r.finishCommand(p.CommandID, p.AgentID, p.Status)
}

func (r *Router) handleTerminalStream(s *session, msg *protocol.Message) {
	var p protocol.TerminalStreamPayload
	if err := msg.ParsePayload(&p); err != nil {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid terminal payload")
		return
	}
	r.mux.Ingest(s.agentIdentity(), &p)
}

func (r *Router) handleTraceStream(s *session, msg *protocol.Message) {
	var p protocol.TraceStreamPayload
	if err := msg.ParsePayload(&p); err != nil {
		r.sendError(s, protocol.CodeInvalidMessage, "invalid trace payload")
		return
	}
	p.AgentID = s.agentIdentity()
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	r.fanoutToDashboards(protocol.TypeTraceStream, p, func(subs *Subscriptions) bool {
		return subs.Traces() && subs.MatchesAgent(p.AgentID)
	})
}

// finishCommand releases a completed command: affinity drops after the
// last fan-out, queue counts update, and observers hear about it.
func (r *Router) finishCommand(commandID, agentID, status string) {
	entry, ok := r.affinity.Remove(commandID)
	if !ok {
		return
	}
	r.metrics.CommandsTotal.WithLabelValues(status).Inc()
	r.bus.Publish(events.Event{
		Name:         events.CommandCompleted,
		CommandID:    commandID,
		AgentID:      agentID,
		ConnectionID: entry.DashboardID,
		Detail:       map[string]any{"status": status},
	})
	r.broadcastQueueUpdate(agentID)
}

// ═══════════════════════════════════════════════════════════════════════════
// Disconnect and expiry hooks
// ═══════════════════════════════════════════════════════════════════════════

// OnAgentDisconnect runs after an agent session leaves the pool: owners
// of in-flight commands get a failure notice, subscribers get
// AGENT_DISCONNECT, and the directory is updated.
func (r *Router) OnAgentDisconnect(info SessionInfo) {
	r.tokens.Unregister(info.ID)
	if info.AgentID == "" {
		return
	}
	// A replacement session may already hold this identity; in that case
	// the commands and directory entry now belong to it.
	if cur, ok := r.pool.ByAgent(info.AgentID); ok && cur.ID != info.ID {
		return
	}

	orphaned := r.affinity.RemoveByAgent(info.AgentID)
	for _, entry := range orphaned {
		r.metrics.CommandsTotal.WithLabelValues(protocol.CommandFailed).Inc()
		if err := r.commands.UpdateStatus(context.Background(), entry.CommandID, protocol.CommandFailed, "agent_disconnected"); err != nil && !errorsIsNotFound(err) {
			r.log.Error().Err(err).Str("command_id", entry.CommandID).Msg("failed to update command status")
		}
		r.sendToConn(entry.DashboardID, protocol.TypeCommandStatus, protocol.CommandStatusPayload{
			CommandID: entry.CommandID,
			AgentID:   info.AgentID,
			Status:    protocol.CommandFailed,
			Reason:    "agent_disconnected",
			Timestamp: time.Now().UnixMilli(),
		})
	}

	if err := r.agents.MarkDisconnected(context.Background(), info.AgentID); err != nil && !errorsIsNotFound(err) {
		r.log.Error().Err(err).Str("agent_id", info.AgentID).Msg("failed to mark agent disconnected")
	}
	r.fanoutToDashboards(protocol.TypeAgentDisconnect, protocol.AgentDisconnectPayload{
		AgentID:      info.AgentID,
		ConnectionID: info.ID,
		Timestamp:    time.Now().UnixMilli(),
	}, func(subs *Subscriptions) bool {
		return subs.MatchesAgent(info.AgentID)
	})
	r.bus.Publish(events.Event{
		Name:         events.AgentDisconnected,
		ConnectionID: info.ID,
		Kind:         string(KindAgent),
		AgentID:      info.AgentID,
	})
	r.log.Info().Str("agent_id", info.AgentID).Int("orphaned_commands", len(orphaned)).Msg("agent disconnected")
}

// OnDashboardDisconnect clears the session's command ownership and token
// tracking. Commands keep running on their agents; only the reply path
// is gone.
func (r *Router) OnDashboardDisconnect(info SessionInfo) {
	r.tokens.Unregister(info.ID)
	released := r.affinity.RemoveByDashboard(info.ID)
	for _, entry := range released {
		r.broadcastQueueUpdate(entry.AgentID)
	}
	r.bus.Publish(events.Event{
		Name:         events.DashboardDisconnected,
		ConnectionID: info.ID,
		Kind:         string(KindDashboard),
		UserID:       info.UserID,
	})
	r.log.Info().
		Str("conn_id", info.ID).
		Str("user_id", info.UserID).
		Int("released_commands", len(released)).
		Msg("dashboard disconnected")
}

// ExpireAffinities drops command ownership whose deadline passed and
// tells each owner. Driven by the broker's cleanup loop.
func (r *Router) ExpireAffinities(now time.Time) {
	for _, entry := range r.affinity.Expire(now) {
		r.metrics.CommandsTotal.WithLabelValues(protocol.CommandFailed).Inc()
		if err := r.commands.UpdateStatus(context.Background(), entry.CommandID, protocol.CommandFailed, "affinity_timeout"); err != nil && !errorsIsNotFound(err) {
			r.log.Error().Err(err).Str("command_id", entry.CommandID).Msg("failed to update command status")
		}
		r.sendToConn(entry.DashboardID, protocol.TypeCommandStatus, protocol.CommandStatusPayload{
			CommandID: entry.CommandID,
			AgentID:   entry.AgentID,
			Status:    protocol.CommandFailed,
			Reason:    "affinity_timeout",
			Timestamp: now.UnixMilli(),
		})
		r.broadcastQueueUpdate(entry.AgentID)
		r.log.Warn().Str("command_id", entry.CommandID).Msg("command affinity expired")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Send helpers
// ═══════════════════════════════════════════════════════════════════════════

func (r *Router) reply(s *session, msgType string, payload any) {
	r.sendToConn(s.id, msgType, payload)
}

func (r *Router) sendToConn(connID, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("failed to build frame")
		return
	}
	data, err := msg.Encode()
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("failed to encode frame")
		return
	}
	if err := r.pool.SendTo(connID, data); err != nil {
		r.log.Debug().Err(err).Str("conn_id", connID).Str("type", msgType).Msg("send failed")
		return
	}
	r.metrics.MessagesTotal.WithLabelValues("out", msgType).Inc()
}

func (r *Router) sendAck(s *session, ack protocol.AckPayload) {
	r.reply(s, protocol.TypeAck, ack)
}

func (r *Router) sendError(s *session, code, message string) {
	r.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	r.reply(s, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// fanoutToDashboards builds one frame and broadcasts it to authenticated
// dashboards. Exactly one of match/filter is used: match tests the
// subscription record, filter the whole snapshot.
func (r *Router) fanoutToDashboards(msgType string, payload any, match func(*Subscriptions) bool, filter ...func(SessionInfo) bool) int {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("failed to build frame")
		return 0
	}
	data, err := msg.Encode()
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("failed to encode frame")
		return 0
	}
	var n int
	if len(filter) > 0 {
		n = r.pool.Broadcast(data, filter[0])
	} else {
		n = r.pool.BroadcastToDashboards(data, match)
	}
	if n > 0 {
		r.metrics.MessagesTotal.WithLabelValues("out", msgType).Add(float64(n))
	}
	return n
}

// broadcastQueueUpdate tells subscribed dashboards how deep one agent's
// in-flight queue currently is.
func (r *Router) broadcastQueueUpdate(agentID string) {
	ids := r.affinity.ActiveCommandIDs(agentID)
	r.fanoutToDashboards(protocol.TypeCommandQueueUpdate, protocol.CommandQueueUpdatePayload{
		AgentID:          agentID,
		QueueLength:      len(ids),
		ActiveCommandIDs: ids,
	}, func(subs *Subscriptions) bool {
		return subs.MatchesAgent(agentID)
	})
}

func (r *Router) recordAuthFailure(s *session, agentID string, cause error) {
	r.metrics.ErrorsTotal.WithLabelValues(protocol.CodeUnauthorized).Inc()
	if err := r.audit.Record(s.ctx, store.AuditEvent{
		Action:       store.AuditAuthFailure,
		ConnectionID: s.id,
		AgentID:      agentID,
		Detail:       cause.Error(),
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to record audit event")
	}
}

// commandTargets selects the owning dashboard plus any dashboard
// subscribed to the command.
func commandTargets(commandID, ownerConnID string) func(SessionInfo) bool {
	return func(info SessionInfo) bool {
		if info.Kind != KindDashboard || !info.Authenticated {
			return false
		}
		if ownerConnID != "" && info.ID == ownerConnID {
			return true
		}
		return info.Subscriptions.MatchesCommand(commandID)
	}
}

func normalizePriority(p *int) int {
	if p == nil {
		return protocol.PriorityNormal
	}
	switch *p {
	case protocol.PriorityLow, protocol.PriorityNormal, protocol.PriorityHigh:
		return *p
	default:
		return protocol.PriorityNormal
	}
}

func containsWildcard(ids []string) bool {
	for _, id := range ids {
		if id == SubscribeAll {
			return true
		}
	}
	return false
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
