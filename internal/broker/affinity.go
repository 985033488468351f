package broker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCommandActive is returned when registering a command id that is
// already in flight.
var ErrCommandActive = errors.New("command id already active")

// AffinityEntry ties an in-flight command to the dashboard session that
// issued it and the agent executing it. Ownership gates cancellation and
// routes result traffic back to the issuer.
type AffinityEntry struct {
	CommandID   string
	DashboardID string
	AgentID     string
	UserID      string
	CreatedAt   time.Time
	Deadline    time.Time
}

// AffinityTable is the in-memory command ownership index. Entries live
// from dispatch until a terminal status, owner disconnect, agent
// disconnect, or deadline expiry.
type AffinityTable struct {
	mu        sync.Mutex
	byCommand map[string]AffinityEntry
}

func NewAffinityTable() *AffinityTable {
	return &AffinityTable{byCommand: make(map[string]AffinityEntry)}
}

// Register records ownership for a newly dispatched command.
func (t *AffinityTable) Register(e AffinityEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byCommand[e.CommandID]; exists {
		return ErrCommandActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	t.byCommand[e.CommandID] = e
	return nil
}

// Owner returns the entry for a command, if it is still in flight.
func (t *AffinityTable) Owner(commandID string) (AffinityEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byCommand[commandID]
	return e, ok
}

// Remove clears one command's ownership, returning the removed entry.
func (t *AffinityTable) Remove(commandID string) (AffinityEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byCommand[commandID]
	if ok {
		delete(t.byCommand, commandID)
	}
	return e, ok
}

// RemoveByDashboard clears every command owned by one dashboard session.
// Called when the owner disconnects.
func (t *AffinityTable) RemoveByDashboard(connID string) []AffinityEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []AffinityEntry
	for id, e := range t.byCommand {
		if e.DashboardID == connID {
			removed = append(removed, e)
			delete(t.byCommand, id)
		}
	}
	sortByCreation(removed)
	return removed
}

// RemoveByAgent clears every command targeting one agent. Called when
// the agent disconnects so owners can be told their commands died.
func (t *AffinityTable) RemoveByAgent(agentID string) []AffinityEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []AffinityEntry
	for id, e := range t.byCommand {
		if e.AgentID == agentID {
			removed = append(removed, e)
			delete(t.byCommand, id)
		}
	}
	sortByCreation(removed)
	return removed
}

// ByAgent lists the in-flight commands for one agent, oldest first.
func (t *AffinityTable) ByAgent(agentID string) []AffinityEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []AffinityEntry
	for _, e := range t.byCommand {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	sortByCreation(out)
	return out
}

// ActiveCommandIDs lists the command ids in flight for one agent,
// oldest first.
func (t *AffinityTable) ActiveCommandIDs(agentID string) []string {
	entries := t.ByAgent(agentID)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.CommandID
	}
	return ids
}

// Expire removes entries whose deadline has passed, returning them so
// owners can be notified.
func (t *AffinityTable) Expire(now time.Time) []AffinityEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []AffinityEntry
	for id, e := range t.byCommand {
		if !e.Deadline.IsZero() && now.After(e.Deadline) {
			expired = append(expired, e)
			delete(t.byCommand, id)
		}
	}
	sortByCreation(expired)
	return expired
}

// Len reports the number of in-flight commands.
func (t *AffinityTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byCommand)
}

func sortByCreation(entries []AffinityEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
