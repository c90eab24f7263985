// Package persistence provides SQLite-backed storage for agent
// conversations: the durable records that let a transcript be resumed
// after the daemon or the agent backend restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SettingAPIKey is the settings row holding the provider API key handed to
// spawned agents.
const SettingAPIKey = "api_key"

// AgentConversation is the durable record correlating a local session
// history to a resumable agent-side session. AgentSessionID is empty until
// the agent reports its own session id, and is written at most once.
type AgentConversation struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	AgentKind      string `json:"agentKind"`
	Cwd            string `json:"cwd"`
	ProjectRoot    string `json:"projectRoot"`
	AgentSessionID string `json:"agentSessionId"`
	ModelID        string `json:"modelId"`
	CreatedAt      string `json:"createdAt"` // ISO 8601
	UpdatedAt      string `json:"updatedAt"` // ISO 8601
}

// Store provides persistent conversation state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	// Create schema_version table if not exists
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Get current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the agent_conversations table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			agent_kind TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			project_root TEXT NOT NULL DEFAULT '',
			agent_session_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_cwd ON agent_conversations(cwd);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent_session ON agent_conversations(agent_session_id);
	`)
	return err
}

// migrateV2 creates the settings table for small key/value state such as
// the provider API key.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// CreateAgentConversation inserts a conversation record. Idempotent: an
// existing id is left untouched, so spawn paths can call it best-effort.
func (s *Store) CreateAgentConversation(conv AgentConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if conv.CreatedAt == "" {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt == "" {
		conv.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO agent_conversations
			(id, title, agent_kind, cwd, project_root, agent_session_id, model_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.AgentKind, conv.Cwd, conv.ProjectRoot,
		conv.AgentSessionID, conv.ModelID, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent conversation: %w", err)
	}
	return nil
}

// GetAgentConversation retrieves one conversation.
// Returns nil, nil if no conversation exists for the given id.
func (s *Store) GetAgentConversation(id string) (*AgentConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c AgentConversation
	err := s.db.QueryRow(
		`SELECT id, title, agent_kind, cwd, project_root, agent_session_id, model_id, created_at, updated_at
		FROM agent_conversations WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Title, &c.AgentKind, &c.Cwd, &c.ProjectRoot,
		&c.AgentSessionID, &c.ModelID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent conversation: %w", err)
	}
	return &c, nil
}

// GetAgentConversationByAgentSessionID finds the conversation bound to an
// agent-side session id. Returns nil, nil when none is bound.
func (s *Store) GetAgentConversationByAgentSessionID(agentSessionID string) (*AgentConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if agentSessionID == "" {
		return nil, nil
	}

	var c AgentConversation
	err := s.db.QueryRow(
		`SELECT id, title, agent_kind, cwd, project_root, agent_session_id, model_id, created_at, updated_at
		FROM agent_conversations WHERE agent_session_id = ? ORDER BY updated_at DESC LIMIT 1`,
		agentSessionID,
	).Scan(&c.ID, &c.Title, &c.AgentKind, &c.Cwd, &c.ProjectRoot,
		&c.AgentSessionID, &c.ModelID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent conversation by session id: %w", err)
	}
	return &c, nil
}

// GetAgentConversations lists conversations newest-first. A non-empty cwd
// filters to that working directory; limit <= 0 means no limit.
func (s *Store) GetAgentConversations(limit int, cwd string) ([]AgentConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, title, agent_kind, cwd, project_root, agent_session_id, model_id, created_at, updated_at
		FROM agent_conversations`
	var args []any
	if cwd != "" {
		query += " WHERE cwd = ?"
		args = append(args, cwd)
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent conversations: %w", err)
	}
	defer rows.Close()

	var convs []AgentConversation
	for rows.Next() {
		var c AgentConversation
		if err := rows.Scan(&c.ID, &c.Title, &c.AgentKind, &c.Cwd, &c.ProjectRoot,
			&c.AgentSessionID, &c.ModelID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent conversations: %w", err)
	}

	if convs == nil {
		convs = []AgentConversation{}
	}
	return convs, nil
}

// SetAgentConversationSessionID records the agent-assigned session id. The
// id is write-once: a conversation that already has one keeps it.
func (s *Store) SetAgentConversationSessionID(id, agentSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		"UPDATE agent_conversations SET agent_session_id = ?, updated_at = ? WHERE id = ? AND agent_session_id = ''",
		agentSessionID, now, id,
	)
	if err != nil {
		return fmt.Errorf("set agent conversation session id: %w", err)
	}
	return nil
}

// SetAgentConversationTitle updates the conversation title.
func (s *Store) SetAgentConversationTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		"UPDATE agent_conversations SET title = ?, updated_at = ? WHERE id = ?",
		title, now, id,
	)
	if err != nil {
		return fmt.Errorf("set agent conversation title: %w", err)
	}
	return nil
}

// SetAgentConversationModelID records the selected model.
func (s *Store) SetAgentConversationModelID(id, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		"UPDATE agent_conversations SET model_id = ?, updated_at = ? WHERE id = ?",
		modelID, now, id,
	)
	if err != nil {
		return fmt.Errorf("set agent conversation model id: %w", err)
	}
	return nil
}

// UpdateAgentConversationCwd moves the conversation to a new working
// directory and project root.
func (s *Store) UpdateAgentConversationCwd(id, cwd, projectRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		"UPDATE agent_conversations SET cwd = ?, project_root = ?, updated_at = ? WHERE id = ?",
		cwd, projectRoot, now, id,
	)
	if err != nil {
		return fmt.Errorf("update agent conversation cwd: %w", err)
	}
	return nil
}

// GetSetting returns the value for a settings key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a settings key/value pair.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetAPIKey returns the stored provider API key, or "" when none is set.
func (s *Store) GetAPIKey() (string, error) {
	return s.GetSetting(SettingAPIKey)
}
