package broker

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/events"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
)

// newTestPool builds a bare pool with its own bus and registry, outside
// the full broker harness.
func newTestPool(t *testing.T, mutate func(*config.Config)) *Pool {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	p := NewPool(cfg, zerolog.Nop(), events.NewBus(zerolog.Nop()), metrics.New())
	t.Cleanup(func() { p.CloseAll(websocket.CloseGoingAway, "test done") })
	return p
}

func TestPool_CapacityLimit(t *testing.T) {
	p := newTestPool(t, func(cfg *config.Config) { cfg.MaxConnections = 2 })

	s1, err := p.Add(KindDashboard, newFakeConn())
	require.NoError(t, err)
	_, err = p.Add(KindAgent, newFakeConn())
	require.NoError(t, err)

	_, err = p.Add(KindDashboard, newFakeConn())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, p.Len())

	// Removing a session frees its slot.
	_, removed := p.Remove(s1.id)
	require.True(t, removed)
	_, err = p.Add(KindDashboard, newFakeConn())
	assert.NoError(t, err)
}

func TestPool_RemoveIsIdempotent(t *testing.T) {
	p := newTestPool(t, nil)
	c := newFakeConn()
	s, err := p.Add(KindAgent, c)
	require.NoError(t, err)

	info, ok := p.Remove(s.id)
	require.True(t, ok)
	assert.Equal(t, s.id, info.ID)

	_, ok = p.Remove(s.id)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		code, _ := c.closedCode()
		return code == websocket.CloseNormalClosure
	}, frameWait, 10*time.Millisecond)
}

func TestPool_BindAgentSupersedesDuplicate(t *testing.T) {
	p := newTestPool(t, nil)

	c1 := newFakeConn()
	s1, err := p.Add(KindAgent, c1)
	require.NoError(t, err)
	superseded, err := p.BindAgent(s1.id, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, superseded)

	c2 := newFakeConn()
	s2, err := p.Add(KindAgent, c2)
	require.NoError(t, err)
	superseded, err = p.BindAgent(s2.id, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, s1.id, superseded.ID)

	// The old session is told why it is going away.
	require.Eventually(t, func() bool {
		code, _ := c1.closedCode()
		return code == websocket.CloseNormalClosure
	}, frameWait, 10*time.Millisecond)
	_, reason := c1.closedCode()
	assert.Equal(t, "superseded by new connection", reason)

	// The identity now resolves to the replacement, and removing the
	// stale session does not disturb the binding.
	info, ok := p.ByAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, s2.id, info.ID)

	p.Remove(s1.id)
	info, ok = p.ByAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, s2.id, info.ID)

	_, err = p.BindAgent("no-such-session", "agent-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPool_SendQueueOverflowClosesSession(t *testing.T) {
	p := newTestPool(t, nil)

	// Stall the writer so the send queue backs up.
	c := newFakeConn()
	c.writeGate = make(chan struct{})
	s, err := p.Add(KindDashboard, c)
	require.NoError(t, err)

	frame := []byte(`{"type":"PING"}`)
	sent := 0
	var sendErr error
	for i := 0; i < sendQueueSize+2; i++ {
		if sendErr = p.SendTo(s.id, frame); sendErr != nil {
			break
		}
		sent++
	}
	require.ErrorIs(t, sendErr, ErrSendBufferFull)
	assert.GreaterOrEqual(t, sent, sendQueueSize)

	// Unblock the writer; the pump drains and delivers the close frame.
	close(c.writeGate)
	require.Eventually(t, func() bool {
		code, _ := c.closedCode()
		return code == websocket.CloseInternalServerErr
	}, frameWait, 10*time.Millisecond)
	_, reason := c.closedCode()
	assert.Equal(t, "send queue full", reason)
}

func TestPool_SendToUnknownSession(t *testing.T) {
	p := newTestPool(t, nil)
	err := p.SendTo("missing", []byte(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPoolSweep_EvictsUnauthenticated(t *testing.T) {
	p := newTestPool(t, nil)
	c := newFakeConn()
	_, err := p.Add(KindDashboard, c)
	require.NoError(t, err)

	// Within the grace period nothing happens.
	p.sweep(time.Now())
	code, _ := c.closedCode()
	assert.Zero(t, code)

	p.sweep(time.Now().Add(unauthenticatedLifetime + time.Second))
	require.Eventually(t, func() bool {
		code, _ := c.closedCode()
		return code == 4003
	}, frameWait, 10*time.Millisecond)
	_, reason := c.closedCode()
	assert.Equal(t, "authentication timeout", reason)
}

func TestPoolSweep_EvictsIdle(t *testing.T) {
	p := newTestPool(t, nil)
	c := newFakeConn()
	s, err := p.Add(KindDashboard, c)
	require.NoError(t, err)
	require.True(t, p.MarkAuthenticated(s.id, "user-1"))

	p.sweep(time.Now().Add(p.cfg.ConnectionTimeout + time.Second))
	require.Eventually(t, func() bool {
		code, _ := c.closedCode()
		return code == 4001
	}, frameWait, 10*time.Millisecond)
	_, reason := c.closedCode()
	assert.Equal(t, "connection timeout", reason)
}

func TestPoolSweep_EvictsAfterMissedPings(t *testing.T) {
	p := newTestPool(t, nil)
	c := newFakeConn()
	s, err := p.Add(KindAgent, c)
	require.NoError(t, err)
	require.True(t, p.MarkAuthenticated(s.id, "svc-agents"))

	s.mu.Lock()
	s.missedPings = p.cfg.MaxMissedPings
	s.mu.Unlock()

	p.sweep(time.Now())
	require.Eventually(t, func() bool {
		code, _ := c.closedCode()
		return code == 4000
	}, frameWait, 10*time.Millisecond)
	_, reason := c.closedCode()
	assert.Equal(t, "health check failed", reason)
}

func TestPool_BroadcastFilters(t *testing.T) {
	p := newTestPool(t, nil)

	dash1Conn := newFakeConn()
	dash1, err := p.Add(KindDashboard, dash1Conn)
	require.NoError(t, err)
	p.MarkAuthenticated(dash1.id, "user-1")
	dash1.subs.ApplyInit(nil) // wildcard

	dash2Conn := newFakeConn()
	dash2, err := p.Add(KindDashboard, dash2Conn)
	require.NoError(t, err)
	p.MarkAuthenticated(dash2.id, "user-2")
	dash2.subs.ApplyInit(&protocol.SubscriptionRequest{Agents: []string{"agent-9"}})

	agentConn := newFakeConn()
	agent, err := p.Add(KindAgent, agentConn)
	require.NoError(t, err)
	p.MarkAuthenticated(agent.id, "svc-agents")
	_, err = p.BindAgent(agent.id, "agent-1")
	require.NoError(t, err)

	// Still mid-handshake: broadcasts must not reach it.
	pendingConn := newFakeConn()
	_, err = p.Add(KindDashboard, pendingConn)
	require.NoError(t, err)

	frame := []byte(`{"type":"AGENT_STATUS"}`)
	assert.Equal(t, 2, p.BroadcastToDashboards(frame, nil))
	assert.Equal(t, 1, p.BroadcastToDashboards(frame, func(s *Subscriptions) bool {
		return s.MatchesAgent("agent-1")
	}))
	assert.Equal(t, 1, p.Broadcast(frame, func(info SessionInfo) bool {
		return info.Kind == KindAgent
	}))
	assert.Equal(t, 4, p.Broadcast(frame, nil))

	select {
	case <-pendingConn.frames:
		t.Fatal("unauthenticated session received a broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPool_LookupAccessors(t *testing.T) {
	p := newTestPool(t, nil)

	dash, err := p.Add(KindDashboard, newFakeConn())
	require.NoError(t, err)
	p.MarkAuthenticated(dash.id, "user-1")

	agent, err := p.Add(KindAgent, newFakeConn())
	require.NoError(t, err)
	p.MarkAuthenticated(agent.id, "svc-agents")
	_, err = p.BindAgent(agent.id, "agent-1")
	require.NoError(t, err)

	info, ok := p.Get(dash.id)
	require.True(t, ok)
	assert.True(t, info.Authenticated)
	assert.Equal(t, "user-1", info.UserID)
	assert.Equal(t, KindDashboard, info.Kind)

	_, ok = p.Get("missing")
	assert.False(t, ok)

	byUser := p.ByUser("user-1")
	require.Len(t, byUser, 1)
	assert.Equal(t, dash.id, byUser[0].ID)

	agents := p.ByKind(KindAgent)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].AgentID)

	assert.Len(t, p.List(), 2)
	assert.Equal(t, 2, p.Len())
}
