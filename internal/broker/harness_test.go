package broker

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/internal/auth"
	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/protocol"
	"github.com/switchboard-dev/switchboard/internal/store"
)

const frameWait = 2 * time.Second

// ═══════════════════════════════════════════════════════════════════════════
// Fake socket
// ═══════════════════════════════════════════════════════════════════════════

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

// fakeConn implements Conn in memory. The test feeds inbound frames and
// drains what the broker writes; close frames record their code so tests
// can assert eviction reasons.
type fakeConn struct {
	inbound chan []byte
	frames  chan []byte
	pings   chan struct{}

	// writeGate, when set, stalls WriteMessage until the gate or the
	// connection closes. Used to back up the send queue.
	writeGate chan struct{}

	mu          sync.Mutex
	pongHandler func(string) error
	closeCode   int
	closeReason string

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		frames:  make(chan []byte, 512),
		pings:   make(chan struct{}, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
			return net.ErrClosed
		}
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.frames <- cp:
	default:
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	switch messageType {
	case websocket.PingMessage:
		select {
		case c.pings <- struct{}{}:
		default:
		}
	case websocket.CloseMessage:
		c.mu.Lock()
		if c.closeCode == 0 && len(data) >= 2 {
			c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
			c.closeReason = string(data[2:])
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// pong simulates a transport-level pong from the peer.
func (c *fakeConn) pong() {
	c.mu.Lock()
	h := c.pongHandler
	c.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (c *fakeConn) closedCode() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// push sends one well-formed frame to the broker.
func (c *fakeConn) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	c.pushRaw(t, data)
}

func (c *fakeConn) pushRaw(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.inbound <- data:
	case <-time.After(frameWait):
		t.Fatal("broker stopped reading inbound frames")
	}
}

// next returns the next data frame the broker wrote, in order.
func (c *fakeConn) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case data := <-c.frames:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(frameWait):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expect drains frames until one of the wanted type arrives. Unrelated
// frames in between are skipped.
func (c *fakeConn) expect(t *testing.T, msgType string) *protocol.Message {
	t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case data := <-c.frames:
			msg, err := protocol.Decode(data)
			require.NoError(t, err)
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return nil
		}
	}
}

// expectNone asserts no frame of the given type arrives within the
// window.
func (c *fakeConn) expectNone(t *testing.T, msgType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case data := <-c.frames:
			msg, err := protocol.Decode(data)
			require.NoError(t, err)
			require.NotEqual(t, msgType, msg.Type, "unexpected %s frame", msgType)
		case <-deadline:
			return
		}
	}
}

func parsePayload[T any](t *testing.T, msg *protocol.Message) T {
	t.Helper()
	var out T
	require.NoError(t, msg.ParsePayload(&out))
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Stub validator
// ═══════════════════════════════════════════════════════════════════════════

// stubValidator resolves tokens from a fixed table. Refresh behavior is
// programmable per test.
type stubValidator struct {
	mu         sync.Mutex
	identities map[string]auth.Identity
	refreshErr error
	refreshed  int
}

func newStubValidator() *stubValidator {
	return &stubValidator{identities: make(map[string]auth.Identity)}
}

func (v *stubValidator) allow(token string, id auth.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.identities[token] = id
}

func (v *stubValidator) failRefresh(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshErr = err
}

func (v *stubValidator) Validate(_ context.Context, token string) (*auth.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.identities[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	cp := id
	return &cp, nil
}

func (v *stubValidator) Refresh(_ context.Context, refreshToken string) (string, *auth.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refreshErr != nil {
		return "", nil, v.refreshErr
	}
	v.refreshed++
	id := auth.Identity{
		UserID:       "refreshed-user",
		ExpiresAt:    time.Now().Add(time.Hour),
		RefreshToken: refreshToken + "'",
	}
	token := "rotated-" + refreshToken
	v.identities[token] = id
	return token, &id, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Broker harness
// ═══════════════════════════════════════════════════════════════════════════

type harness struct {
	t      *testing.T
	cfg    *config.Config
	broker *Broker
	mem    *store.Memory
	val    *stubValidator
}

// newHarness builds a started broker on an in-memory store. Background
// timers default to effectively-never so individual tests opt in to the
// loops they exercise.
func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.PingInterval = time.Hour
	cfg.PongTimeout = time.Minute
	cfg.CleanupInterval = time.Hour
	cfg.TokenRefreshInterval = time.Hour
	cfg.TerminalFlushInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	mem := store.NewMemory()
	val := newStubValidator()
	b := New(cfg, zerolog.Nop(), Dependencies{
		Validator: val,
		Agents:    mem.Agents(),
		Commands:  mem.Commands(),
		Audit:     mem.Audit(),
	})
	b.Start(context.Background())
	t.Cleanup(b.Shutdown)

	return &harness{t: t, cfg: cfg, broker: b, mem: mem, val: val}
}

// dialAgent opens a fake agent socket; the handler runs until the
// connection dies.
func (h *harness) dialAgent(token string) *fakeConn {
	c := newFakeConn()
	go func() { _ = h.broker.HandleAgent(c, token) }()
	return c
}

func (h *harness) dialDashboard(token string) *fakeConn {
	c := newFakeConn()
	go func() { _ = h.broker.HandleDashboard(c, token) }()
	return c
}

// connectAgent dials and completes the AGENT_CONNECT handshake, returning
// the socket and the assigned connection id.
func (h *harness) connectAgent(agentID, token string) (*fakeConn, string) {
	h.t.Helper()
	c := h.dialAgent(token)
	c.push(h.t, protocol.TypeAgentConnect, protocol.AgentConnectPayload{
		AgentID:   agentID,
		Name:      agentID,
		AgentType: "cli",
		Version:   "1.0.0",
	})
	msg := c.expect(h.t, protocol.TypeAgentConnected)
	ack := parsePayload[protocol.AgentConnectedPayload](h.t, msg)
	require.Equal(h.t, agentID, ack.AgentID)
	require.NotEmpty(h.t, ack.ConnectionID)
	return c, ack.ConnectionID
}

// connectDashboard dials and completes DASHBOARD_INIT, draining the
// snapshot frames up to the closing ACK. Returns the socket and the
// assigned connection id.
func (h *harness) connectDashboard(userID, token string, subs *protocol.SubscriptionRequest) (*fakeConn, string) {
	h.t.Helper()
	c := h.dialDashboard(token)
	c.push(h.t, protocol.TypeDashboardInit, protocol.DashboardInitPayload{
		UserID:        userID,
		Subscriptions: subs,
	})
	connected := parsePayload[protocol.DashboardConnectedPayload](h.t, c.expect(h.t, protocol.TypeDashboardConnected))
	require.NotEmpty(h.t, connected.ConnectionID)
	ack := parsePayload[protocol.AckPayload](h.t, c.expect(h.t, protocol.TypeAck))
	require.True(h.t, ack.Success)
	return c, connected.ConnectionID
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
