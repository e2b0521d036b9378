// Package store persists the process-wide session index so sessions
// can be enumerated and recovered after a host restart. The
// authoritative working-directory record lives in each session's
// workspace; the index is the lookup table over all workspaces.
package store

import "time"

// SessionRecord is one row of the session index.
type SessionRecord struct {
	AgentID        string    `json:"agent_id"`
	ConversationID string    `json:"conversation_id"`
	Workspace      string    `json:"workspace"`
	Cwd            string    `json:"cwd"`
	Backend        string    `json:"backend,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionIndex is the persistence interface for session records.
type SessionIndex interface {
	// Put inserts or replaces the record for (AgentID, ConversationID).
	Put(rec SessionRecord) error

	// Get returns the record for the given key, or nil if absent.
	Get(agentID, conversationID string) (*SessionRecord, error)

	// List returns all records ordered by most recently updated.
	List() ([]SessionRecord, error)

	// Delete removes the record for the given key. Deleting a missing
	// record is not an error.
	Delete(agentID, conversationID string) error

	Close() error
}
