package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory backs the three services with maps. It is the default for tests
// and for running the broker without a database file.
type Memory struct {
	mu       sync.Mutex
	agents   map[string]AgentInfo
	commands map[string]CommandRecord
	audit    []AuditEvent
	nextID   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]AgentInfo),
		commands: make(map[string]CommandRecord),
	}
}

// Agents returns the AgentService view.
func (m *Memory) Agents() AgentService { return &memAgents{m} }

// Commands returns the CommandService view.
func (m *Memory) Commands() CommandService { return &memCommands{m} }

// Audit returns the AuditService view.
func (m *Memory) Audit() AuditService { return &memAudit{m} }

// AuditEvents returns a copy of the recorded events, oldest first.
func (m *Memory) AuditEvents() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.audit))
	copy(out, m.audit)
	return out
}

// Ping always succeeds; there is no connection to lose.
func (m *Memory) Ping(context.Context) error { return nil }

// RecentAuditEvents returns the newest events, newest first, matching
// the sqlite view.
func (m *Memory) RecentAuditEvents(_ context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]AuditEvent, 0, limit)
	for i := len(m.audit) - 1; i >= len(m.audit)-limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

type memAgents struct{ *Memory }

func (m *memAgents) List(_ context.Context) ([]AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents := make([]AgentInfo, 0, len(m.agents))
	for _, info := range m.agents {
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (m *memAgents) Get(_ context.Context, id string) (*AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &info, nil
}

func (m *memAgents) Register(_ context.Context, info AgentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[info.ID]
	if !ok {
		if info.Name == "" {
			info.Name = info.ID
		}
		if info.Type == "" {
			info.Type = "generic"
		}
		if info.Status == "" {
			info.Status = "disconnected"
		}
		info.RegisteredAt = time.Now()
		m.agents[info.ID] = info
		return nil
	}
	if info.Name != "" {
		existing.Name = info.Name
	}
	if info.Type != "" {
		existing.Type = info.Type
	}
	m.agents[info.ID] = existing
	return nil
}

func (m *memAgents) MarkConnected(_ context.Context, id, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.agents[id]
	if !ok {
		info = AgentInfo{ID: id, Name: id, Type: "generic", RegisteredAt: time.Now()}
	}
	info.Status = "connected"
	info.ConnectionID = connectionID
	info.LastSeen = time.Now()
	m.agents[id] = info
	return nil
}

func (m *memAgents) MarkDisconnected(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	info.Status = "disconnected"
	info.ConnectionID = ""
	info.LastSeen = time.Now()
	m.agents[id] = info
	return nil
}

type memCommands struct{ *Memory }

func (m *memCommands) Create(_ context.Context, rec CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	m.commands[rec.ID] = rec
	return nil
}

func (m *memCommands) UpdateStatus(_ context.Context, id, status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.commands[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Detail = detail
	rec.UpdatedAt = time.Now()
	m.commands[id] = rec
	return nil
}

func (m *memCommands) Get(_ context.Context, id string) (*CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *memCommands) ListActive(_ context.Context) ([]CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []CommandRecord
	for _, rec := range m.commands {
		if rec.Status == "queued" || rec.Status == "running" {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

type memAudit struct{ *Memory }

func (m *memAudit) Record(_ context.Context, evt AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	evt.ID = m.nextID
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	m.audit = append(m.audit, evt)
	return nil
}
