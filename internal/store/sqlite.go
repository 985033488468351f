package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite backs the three broker services with one embedded database. All
// timestamps are stored as unix milliseconds so scans stay
// driver-independent. Service views share the pooled *sql.DB.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers, busy timeout so writers queue instead
	// of failing.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'generic',
		status TEXT NOT NULL DEFAULT 'disconnected',
		connection_id TEXT NOT NULL DEFAULT '',
		registered_at_ms INTEGER NOT NULL,
		last_seen_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		dashboard_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		command_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(at_ms);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Agents returns the AgentService view.
func (s *SQLite) Agents() AgentService { return &sqliteAgents{db: s.db} }

// Commands returns the CommandService view.
func (s *SQLite) Commands() CommandService { return &sqliteCommands{db: s.db} }

// Audit returns the AuditService view.
func (s *SQLite) Audit() AuditService { return &sqliteAudit{db: s.db} }

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable. Used by /readyz.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadSeed registers agents listed in a YAML seed file. Existing entries
// keep their online state.
func (s *SQLite) LoadSeed(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	agents := s.Agents()
	for _, a := range seed.Agents {
		if err := agents.Register(ctx, AgentInfo{ID: a.ID, Name: a.Name, Type: a.Type}); err != nil {
			return err
		}
	}
	return nil
}

// RecentAuditEvents returns the newest events, newest first. Serves the
// ops API.
func (s *SQLite) RecentAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at_ms, action, actor_id, connection_id, agent_id, command_id, detail
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var evts []AuditEvent
	for rows.Next() {
		var evt AuditEvent
		var atMs int64
		if err := rows.Scan(&evt.ID, &atMs, &evt.Action, &evt.ActorID,
			&evt.ConnectionID, &evt.AgentID, &evt.CommandID, &evt.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Time = time.UnixMilli(atMs)
		evts = append(evts, evt)
	}
	return evts, rows.Err()
}

type seedFile struct {
	Agents []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	} `yaml:"agents"`
}

// ═══ AgentService ═══

type sqliteAgents struct {
	db *sql.DB
}

func (a *sqliteAgents) List(ctx context.Context) ([]AgentInfo, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, name, type, status, connection_id, registered_at_ms, last_seen_ms
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentInfo
	for rows.Next() {
		info, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *info)
	}
	return agents, rows.Err()
}

func (a *sqliteAgents) Get(ctx context.Context, id string) (*AgentInfo, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, connection_id, registered_at_ms, last_seen_ms
		 FROM agents WHERE id = ?`, id)
	info, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return info, err
}

func (a *sqliteAgents) Register(ctx context.Context, info AgentInfo) error {
	if info.ID == "" {
		return fmt.Errorf("register agent: empty id")
	}
	name := info.Name
	if name == "" {
		name = info.ID
	}
	typ := info.Type
	if typ == "" {
		typ = "generic"
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, status, registered_at_ms)
		 VALUES (?, ?, ?, 'disconnected', ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type`,
		info.ID, name, typ, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("register agent %s: %w", info.ID, err)
	}
	return nil
}

func (a *sqliteAgents) MarkConnected(ctx context.Context, id, connectionID string) error {
	now := time.Now().UnixMilli()
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, status, connection_id, registered_at_ms, last_seen_ms)
		 VALUES (?, ?, 'connected', ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = 'connected', connection_id = excluded.connection_id,
			last_seen_ms = excluded.last_seen_ms`,
		id, id, connectionID, now, now)
	if err != nil {
		return fmt.Errorf("mark agent %s connected: %w", id, err)
	}
	return nil
}

func (a *sqliteAgents) MarkDisconnected(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE agents SET status = 'disconnected', connection_id = '', last_seen_ms = ?
		 WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark agent %s disconnected: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ═══ CommandService ═══

type sqliteCommands struct {
	db *sql.DB
}

func (c *sqliteCommands) Create(ctx context.Context, rec CommandRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO commands (id, agent_id, dashboard_id, user_id, command, status, detail, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.DashboardID, rec.UserID, rec.Command,
		rec.Status, rec.Detail, rec.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("create command %s: %w", rec.ID, err)
	}
	return nil
}

func (c *sqliteCommands) UpdateStatus(ctx context.Context, id, status, detail string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, detail = ?, updated_at_ms = ? WHERE id = ?`,
		status, detail, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update command %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *sqliteCommands) Get(ctx context.Context, id string) (*CommandRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, agent_id, dashboard_id, user_id, command, status, detail, created_at_ms, updated_at_ms
		 FROM commands WHERE id = ?`, id)
	rec, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (c *sqliteCommands) ListActive(ctx context.Context) ([]CommandRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, agent_id, dashboard_id, user_id, command, status, detail, created_at_ms, updated_at_ms
		 FROM commands WHERE status IN ('queued', 'running') ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("list active commands: %w", err)
	}
	defer rows.Close()

	var recs []CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// ═══ AuditService ═══

type sqliteAudit struct {
	db *sql.DB
}

func (a *sqliteAudit) Record(ctx context.Context, evt AuditEvent) error {
	at := evt.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO audit_events (at_ms, action, actor_id, connection_id, agent_id, command_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), evt.Action, evt.ActorID, evt.ConnectionID,
		evt.AgentID, evt.CommandID, evt.Detail)
	if err != nil {
		return fmt.Errorf("record audit event %s: %w", evt.Action, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentInfo, error) {
	var info AgentInfo
	var registeredMs, lastSeenMs int64
	if err := row.Scan(&info.ID, &info.Name, &info.Type, &info.Status,
		&info.ConnectionID, &registeredMs, &lastSeenMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	info.RegisteredAt = time.UnixMilli(registeredMs)
	if lastSeenMs > 0 {
		info.LastSeen = time.UnixMilli(lastSeenMs)
	}
	return &info, nil
}

func scanCommand(row rowScanner) (*CommandRecord, error) {
	var rec CommandRecord
	var createdMs, updatedMs int64
	if err := row.Scan(&rec.ID, &rec.AgentID, &rec.DashboardID, &rec.UserID,
		&rec.Command, &rec.Status, &rec.Detail, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	return &rec, nil
}
