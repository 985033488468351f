package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffinityTable_RegisterRejectsDuplicates(t *testing.T) {
	tab := NewAffinityTable()

	require.NoError(t, tab.Register(AffinityEntry{CommandID: "cmd-1", DashboardID: "dash-1", AgentID: "agent-1"}))
	err := tab.Register(AffinityEntry{CommandID: "cmd-1", DashboardID: "dash-2", AgentID: "agent-2"})
	assert.ErrorIs(t, err, ErrCommandActive)

	// The original owner survives the rejected re-registration.
	e, ok := tab.Owner("cmd-1")
	require.True(t, ok)
	assert.Equal(t, "dash-1", e.DashboardID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, 1, tab.Len())
}

func TestAffinityTable_RemoveReturnsEntry(t *testing.T) {
	tab := NewAffinityTable()
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "cmd-1", AgentID: "agent-1", UserID: "user-1"}))

	e, ok := tab.Remove("cmd-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", e.UserID)

	_, ok = tab.Remove("cmd-1")
	assert.False(t, ok)
	assert.Equal(t, 0, tab.Len())
}

func TestAffinityTable_RemoveByDashboardOldestFirst(t *testing.T) {
	tab := NewAffinityTable()
	base := time.Now()
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "cmd-new", DashboardID: "dash-1", CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "cmd-old", DashboardID: "dash-1", CreatedAt: base}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "cmd-other", DashboardID: "dash-2", CreatedAt: base.Add(time.Second)}))

	removed := tab.RemoveByDashboard("dash-1")
	require.Len(t, removed, 2)
	assert.Equal(t, "cmd-old", removed[0].CommandID)
	assert.Equal(t, "cmd-new", removed[1].CommandID)

	// The other dashboard's command is untouched.
	_, ok := tab.Owner("cmd-other")
	assert.True(t, ok)
}

func TestAffinityTable_RemoveByAgentOldestFirst(t *testing.T) {
	tab := NewAffinityTable()
	base := time.Now()
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "b", AgentID: "agent-1", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "a", AgentID: "agent-1", CreatedAt: base}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "c", AgentID: "agent-2", CreatedAt: base}))

	removed := tab.RemoveByAgent("agent-1")
	require.Len(t, removed, 2)
	assert.Equal(t, "a", removed[0].CommandID)
	assert.Equal(t, "b", removed[1].CommandID)
	assert.Equal(t, 1, tab.Len())
}

func TestAffinityTable_ActiveCommandIDsOrdered(t *testing.T) {
	tab := NewAffinityTable()
	base := time.Now()
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "third", AgentID: "agent-1", CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "first", AgentID: "agent-1", CreatedAt: base}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "second", AgentID: "agent-1", CreatedAt: base.Add(time.Second)}))

	assert.Equal(t, []string{"first", "second", "third"}, tab.ActiveCommandIDs("agent-1"))
	assert.Empty(t, tab.ActiveCommandIDs("agent-2"))
}

func TestAffinityTable_ExpireHonorsDeadlines(t *testing.T) {
	tab := NewAffinityTable()
	now := time.Now()
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "expired", AgentID: "agent-1", CreatedAt: now, Deadline: now.Add(time.Minute)}))
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "pending", AgentID: "agent-1", CreatedAt: now, Deadline: now.Add(time.Hour)}))
	// No deadline means the entry never times out.
	require.NoError(t, tab.Register(AffinityEntry{CommandID: "forever", AgentID: "agent-1", CreatedAt: now}))

	expired := tab.Expire(now.Add(30 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].CommandID)
	assert.Equal(t, 2, tab.Len())

	expired = tab.Expire(now.Add(2 * time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, "pending", expired[0].CommandID)

	_, ok := tab.Owner("forever")
	assert.True(t, ok)
}
