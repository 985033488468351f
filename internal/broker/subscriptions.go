package broker

import (
	"sort"
	"sync"

	"github.com/switchboard-dev/switchboard/internal/protocol"
)

// SubscribeAll is the wildcard entry matching every agent or command.
const SubscribeAll = "*"

// Subscriptions tracks what a dashboard session wants to receive. All
// methods are safe for concurrent use; matching runs on the terminal
// fan-out path without any pool lock held.
type Subscriptions struct {
	mu        sync.RWMutex
	agents    map[string]struct{}
	commands  map[string]struct{}
	traces    bool
	terminals bool
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		agents:   make(map[string]struct{}),
		commands: make(map[string]struct{}),
	}
}

// ApplyInit seeds the set from a DASHBOARD_INIT request. Empty or absent
// lists collapse to the wildcard: a dashboard that names nothing sees
// everything.
func (s *Subscriptions) ApplyInit(req *protocol.SubscriptionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = make(map[string]struct{})
	s.commands = make(map[string]struct{})
	if req == nil {
		s.agents[SubscribeAll] = struct{}{}
		s.commands[SubscribeAll] = struct{}{}
		return
	}
	if len(req.Agents) == 0 {
		s.agents[SubscribeAll] = struct{}{}
	}
	for _, id := range req.Agents {
		s.agents[id] = struct{}{}
	}
	if len(req.Commands) == 0 {
		s.commands[SubscribeAll] = struct{}{}
	}
	for _, id := range req.Commands {
		s.commands[id] = struct{}{}
	}
	if req.Traces != nil {
		s.traces = *req.Traces
	}
	if req.Terminals != nil {
		s.terminals = *req.Terminals
	}
}

// Add merges entries from a SUBSCRIBE request into the live set.
func (s *Subscriptions) Add(req *protocol.SubscriptionRequest) {
	if req == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.Agents {
		s.agents[id] = struct{}{}
	}
	for _, id := range req.Commands {
		s.commands[id] = struct{}{}
	}
	if req.Traces != nil {
		s.traces = *req.Traces
	}
	if req.Terminals != nil {
		s.terminals = *req.Terminals
	}
}

// Remove drops entries named by an UNSUBSCRIBE request. Removing an
// entry that is not present is a no-op.
func (s *Subscriptions) Remove(req *protocol.SubscriptionRequest) {
	if req == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.Agents {
		delete(s.agents, id)
	}
	for _, id := range req.Commands {
		delete(s.commands, id)
	}
	if req.Traces != nil && !*req.Traces {
		s.traces = false
	}
	if req.Terminals != nil && !*req.Terminals {
		s.terminals = false
	}
}

// AddCommand subscribes to a single command, reporting whether the entry
// was newly added. Used for command-dispatch bookkeeping so a failed
// dispatch can roll the entry back.
func (s *Subscriptions) AddCommand(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[id]; ok {
		return false
	}
	s.commands[id] = struct{}{}
	return true
}

// RemoveCommand drops a single command subscription.
func (s *Subscriptions) RemoveCommand(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, id)
}

// MatchesAgent reports whether events about the given agent should be
// delivered.
func (s *Subscriptions) MatchesAgent(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.agents[SubscribeAll]; ok {
		return true
	}
	_, ok := s.agents[agentID]
	return ok
}

// MatchesCommand reports whether events about the given command should
// be delivered.
func (s *Subscriptions) MatchesCommand(commandID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.commands[SubscribeAll]; ok {
		return true
	}
	_, ok := s.commands[commandID]
	return ok
}

// MatchesTerminal applies the terminal fan-out rule: explicit command
// subscription, agent subscription (or wildcard), or the terminals flag.
func (s *Subscriptions) MatchesTerminal(agentID, commandID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.terminals {
		return true
	}
	if commandID != "" {
		if _, ok := s.commands[commandID]; ok {
			return true
		}
	}
	if _, ok := s.agents[SubscribeAll]; ok {
		return true
	}
	_, ok := s.agents[agentID]
	return ok
}

// Traces reports whether raw trace frames should be delivered.
func (s *Subscriptions) Traces() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traces
}

// Terminals reports whether all terminal output should be delivered.
func (s *Subscriptions) Terminals() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminals
}

// Snapshot copies the live set for ACK payloads and the connect
// handshake.
func (s *Subscriptions) Snapshot() protocol.SubscriptionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := protocol.SubscriptionSnapshot{
		Agents:    make([]string, 0, len(s.agents)),
		Commands:  make([]string, 0, len(s.commands)),
		Traces:    s.traces,
		Terminals: s.terminals,
	}
	for id := range s.agents {
		snap.Agents = append(snap.Agents, id)
	}
	for id := range s.commands {
		snap.Commands = append(snap.Commands, id)
	}
	sort.Strings(snap.Agents)
	sort.Strings(snap.Commands)
	return snap
}
