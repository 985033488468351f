package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/internal/auth"
	"github.com/switchboard-dev/switchboard/internal/protocol"
	"github.com/switchboard-dev/switchboard/internal/store"
)

func TestTokenSweep_RefreshesExpiringCredential(t *testing.T) {
	h := newHarness(t, nil)
	h.val.allow("dash-token", auth.Identity{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(2 * time.Minute),
		RefreshToken: "refresh-1",
	})

	dash, connID := h.connectDashboard("user-1", "dash-token", nil)
	h.broker.tokens.sweep(context.Background(), time.Now())

	// The rotated credential is pushed to the client.
	p := parsePayload[protocol.TokenRefreshPayload](t, dash.expect(t, protocol.TypeTokenRefresh))
	assert.Equal(t, "rotated-refresh-1", p.Token)
	assert.Equal(t, "refresh-1'", p.RefreshToken)
	assert.Greater(t, p.ExpiresAt, time.Now().UnixMilli())

	rec, ok := h.broker.tokens.Get(connID)
	require.True(t, ok)
	assert.Equal(t, "rotated-refresh-1", rec.Token)
	assert.Equal(t, "refresh-1'", rec.RefreshToken)
	assert.Zero(t, rec.RefreshAttempts)
	assert.True(t, rec.ExpiresAt.After(time.Now().Add(50*time.Minute)))
}

func TestTokenSweep_SkipsDistantExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.val.allow("dash-token", auth.Identity{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(10 * time.Hour),
		RefreshToken: "refresh-1",
	})

	dash, connID := h.connectDashboard("user-1", "dash-token", nil)
	h.broker.tokens.sweep(context.Background(), time.Now())

	dash.expectNone(t, protocol.TypeTokenRefresh, 150*time.Millisecond)
	rec, ok := h.broker.tokens.Get(connID)
	require.True(t, ok)
	assert.Equal(t, "dash-token", rec.Token)
}

func TestTokenSweep_SkipsNonExpiringCredential(t *testing.T) {
	h := newHarness(t, nil)
	// No expiry at all, as with static agent tokens.
	h.val.allow("agent-token", auth.Identity{UserID: "svc-agents", AgentID: "agent-1"})

	agent, connID := h.connectAgent("agent-1", "agent-token")
	h.broker.tokens.sweep(context.Background(), time.Now())

	agent.expectNone(t, protocol.TypeTokenRefresh, 150*time.Millisecond)
	rec, ok := h.broker.tokens.Get(connID)
	require.True(t, ok)
	assert.Equal(t, "agent-token", rec.Token)
	assert.True(t, rec.ExpiresAt.IsZero())
}

func TestTokenSweep_EvictsAfterMaxFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.val.allow("dash-token", auth.Identity{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(time.Minute),
		RefreshToken: "refresh-1",
	})

	dash, connID := h.connectDashboard("user-1", "dash-token", nil)
	h.val.failRefresh(errors.New("idp unavailable"))

	// Failures below the attempt cap keep the session alive.
	for want := 1; want < h.cfg.TokenMaxRefreshAttempts; want++ {
		h.broker.tokens.sweep(context.Background(), time.Now())
		rec, ok := h.broker.tokens.Get(connID)
		require.True(t, ok)
		assert.Equal(t, want, rec.RefreshAttempts)
	}
	code, _ := dash.closedCode()
	assert.Zero(t, code)

	// The final failure evicts the record and closes the session.
	h.broker.tokens.sweep(context.Background(), time.Now())
	_, ok := h.broker.tokens.Get(connID)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		code, _ := dash.closedCode()
		return code == protocol.CloseTokenRefreshFailed
	}, frameWait, 10*time.Millisecond)
	_, reason := dash.closedCode()
	assert.Equal(t, "token refresh failed", reason)

	events := h.mem.AuditEvents()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, store.AuditTokenEvicted, last.Action)
	assert.Equal(t, connID, last.ConnectionID)
	assert.Equal(t, "idp unavailable", last.Detail)
}

func TestTokenAdopt_ResetsFailureCount(t *testing.T) {
	h := newHarness(t, nil)
	h.val.allow("dash-token", auth.Identity{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(time.Minute),
		RefreshToken: "refresh-1",
	})
	h.val.allow("dash-token-v2", auth.Identity{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	})

	dash, connID := h.connectDashboard("user-1", "dash-token", nil)
	h.val.failRefresh(errors.New("idp unavailable"))
	for i := 0; i < h.cfg.TokenMaxRefreshAttempts-1; i++ {
		h.broker.tokens.sweep(context.Background(), time.Now())
	}
	rec, ok := h.broker.tokens.Get(connID)
	require.True(t, ok)
	require.Equal(t, h.cfg.TokenMaxRefreshAttempts-1, rec.RefreshAttempts)

	// A client-side refresh lands before the broker gives up.
	dash.push(t, protocol.TypeTokenRefresh, protocol.TokenRefreshPayload{Token: "dash-token-v2"})
	ack := parsePayload[protocol.AckPayload](t, dash.expect(t, protocol.TypeAck))
	require.True(t, ack.Success)

	rec, ok = h.broker.tokens.Get(connID)
	require.True(t, ok)
	assert.Zero(t, rec.RefreshAttempts)
	assert.Equal(t, "dash-token-v2", rec.Token)

	// The adopted credential does not expire soon, so the next sweep
	// leaves the session alone.
	h.broker.tokens.sweep(context.Background(), time.Now())
	_, ok = h.broker.tokens.Get(connID)
	assert.True(t, ok)
	code, _ := dash.closedCode()
	assert.Zero(t, code)
}

func TestTokenUnregister_StopsSweeping(t *testing.T) {
	h := newHarness(t, nil)
	h.val.allow("dash-token", auth.Identity{
		UserID:       "user-1",
		ExpiresAt:    time.Now().Add(time.Minute),
		RefreshToken: "refresh-1",
	})

	dash, connID := h.connectDashboard("user-1", "dash-token", nil)
	dash.Close()
	require.Eventually(t, func() bool {
		_, ok := h.broker.tokens.Get(connID)
		return !ok
	}, frameWait, 10*time.Millisecond)

	// Sweeping after disconnect touches nothing.
	h.val.failRefresh(errors.New("idp unavailable"))
	h.broker.tokens.sweep(context.Background(), time.Now())
	_, ok := h.broker.tokens.Get(connID)
	assert.False(t, ok)
}
