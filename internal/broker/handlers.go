package broker

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard-dev/switchboard/internal/protocol"
)

// HandleAgent owns one upgraded agent socket from registration to
// cleanup. It blocks in the read loop until the peer goes away or the
// broker evicts the session. bearerToken is the credential presented
// during the HTTP upgrade; AGENT_CONNECT is verified against it.
func (b *Broker) HandleAgent(conn Conn, bearerToken string) error {
	s, err := b.pool.Add(KindAgent, conn)
	if err != nil {
		return err
	}
	s.upgradeToken = bearerToken

	b.readLoop(s)

	info, ok := b.pool.Remove(s.id)
	if ok {
		b.router.OnAgentDisconnect(info)
	}
	return nil
}

// HandleDashboard owns one upgraded dashboard socket. The peer has
// until cfg.AuthTimeout to complete DASHBOARD_INIT; after that it gets
// ERROR{AUTH_TIMEOUT} and close code 4003.
func (b *Broker) HandleDashboard(conn Conn, bearerToken string) error {
	s, err := b.pool.Add(KindDashboard, conn)
	if err != nil {
		return err
	}
	s.upgradeToken = bearerToken

	authTimer := time.AfterFunc(b.cfg.AuthTimeout, func() {
		if s.isAuthenticated() {
			return
		}
		b.router.sendError(s, protocol.CodeAuthTimeout, "authentication timeout")
		b.pool.CloseSession(s.id, protocol.CloseAuthTimeout, "authentication timeout")
	})
	defer authTimer.Stop()

	b.readLoop(s)

	info, ok := b.pool.Remove(s.id)
	if ok {
		b.router.OnDashboardDisconnect(info)
	}
	return nil
}

// readLoop drains inbound frames through the router until the socket
// errors out. Evictions work by closing the socket, which surfaces here
// as a read error. Protocol-level pongs feed the heartbeat engine the
// same way PONG frames do.
func (b *Broker) readLoop(s *session) {
	s.conn.SetReadLimit(b.cfg.MaxPayload)
	deadline := func() time.Time { return time.Now().Add(b.cfg.ConnectionTimeout) }
	_ = s.conn.SetReadDeadline(deadline())
	s.conn.SetPongHandler(func(string) error {
		b.hb.PongReceived(s.id)
		return s.conn.SetReadDeadline(deadline())
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("conn_id", s.id).Msg("read loop ended")
			}
			return
		}
		_ = s.conn.SetReadDeadline(deadline())
		s.touch(len(raw))
		b.router.HandleInbound(s, raw)
	}
}
