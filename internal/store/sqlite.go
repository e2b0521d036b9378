package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	agent_id        TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	workspace       TEXT NOT NULL,
	cwd             TEXT NOT NULL,
	backend         TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, conversation_id)
);
`

// SQLiteIndex is a SessionIndex backed by a local SQLite database.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the session index at path.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	// The index is written by a single process; one connection avoids
	// SQLITE_BUSY on concurrent session creation.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Put(rec SessionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (agent_id, conversation_id, workspace, cwd, backend, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, conversation_id)
		DO UPDATE SET workspace = excluded.workspace,
		              cwd = excluded.cwd,
		              backend = excluded.backend,
		              updated_at = excluded.updated_at`,
		rec.AgentID, rec.ConversationID, rec.Workspace, rec.Cwd, rec.Backend, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put session record: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Get(agentID, conversationID string) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, conversation_id, workspace, cwd, backend, updated_at
		FROM sessions WHERE agent_id = ? AND conversation_id = ?`,
		agentID, conversationID)

	var rec SessionRecord
	err := row.Scan(&rec.AgentID, &rec.ConversationID, &rec.Workspace, &rec.Cwd, &rec.Backend, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteIndex) List() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, conversation_id, workspace, cwd, backend, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.AgentID, &rec.ConversationID, &rec.Workspace, &rec.Cwd, &rec.Backend, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Delete(agentID, conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE agent_id = ? AND conversation_id = ?`,
		agentID, conversationID)
	if err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Close() error { return s.db.Close() }
