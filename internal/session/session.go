// Package session tracks persistent execution context across calls
// belonging to the same logical conversation. Each session owns a
// unique on-disk workspace (the only host directory the sandboxed
// process may write) and a current working directory inside the
// sandbox, so a `cd` in one call is visible to the next.
//
// State is written to <workspace>/.runbox/state.json after every
// mutation; the in-memory registry is a cache over that record, which
// lets a restarted host process recover prior working-directory state.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/runbox/internal/sandbox"
	"github.com/nextlevelbuilder/runbox/internal/store"
)

// StateDirName is the workspace-internal directory holding engine
// bookkeeping (persisted state, staged scripts, marker files).
const StateDirName = ".runbox"

// Key identifies a session: one agent talking in one conversation.
type Key struct {
	AgentID        string
	ConversationID string
}

func (k Key) String() string { return k.AgentID + ":" + k.ConversationID }

// state is the persisted per-workspace record.
type state struct {
	AgentID        string    `json:"agent_id"`
	ConversationID string    `json:"conversation_id"`
	Cwd            string    `json:"cwd"`
	Backend        string    `json:"backend,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session is the persistent execution context for one conversation.
type Session struct {
	key       Key
	workspace string

	mu      sync.Mutex
	cwd     string
	backend string
}

// Key returns the session's identity.
func (s *Session) Key() Key { return s.key }

// Workspace returns the host path of the session's workspace root.
func (s *Session) Workspace() string { return s.workspace }

// Cwd returns the current working directory inside the sandbox.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Backend returns the backend name bound to this session, if any.
func (s *Session) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// BindBackend records the backend chosen for this session. The binding
// is advisory: the engine re-binds when the backend later fails.
func (s *Session) BindBackend(name string) {
	s.mu.Lock()
	s.backend = name
	s.mu.Unlock()
}

// UpdateCwd sets the working directory for subsequent calls. The path
// may be absolute (sandbox-internal) or relative to the current
// directory; it is normalized and clamped to the sandbox root, then
// persisted before returning. The target is deliberately NOT checked
// for existence: the next subprocess reports a non-zero exit if the
// directory is missing, which is a clearer signal to the caller than a
// host-side guess about sandbox-internal paths.
func (s *Session) UpdateCwd(newPath string) error {
	s.mu.Lock()
	if !path.IsAbs(newPath) {
		newPath = path.Join(s.cwd, newPath)
	}
	newPath = path.Clean(newPath)
	// A bare prefix test would accept siblings like /workspace-evil.
	if newPath != sandbox.Root && !strings.HasPrefix(newPath, sandbox.Root+"/") {
		newPath = sandbox.Root
	}
	s.cwd = newPath
	s.mu.Unlock()

	return s.persist()
}

// StateDir returns the host path of the workspace bookkeeping
// directory, creating it if needed.
func (s *Session) StateDir() (string, error) {
	dir := filepath.Join(s.workspace, StateDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session state dir: %w", err)
	}
	return dir, nil
}

// persist writes the session record into the workspace.
func (s *Session) persist() error {
	dir, err := s.StateDir()
	if err != nil {
		return err
	}

	s.mu.Lock()
	st := state{
		AgentID:        s.key.AgentID,
		ConversationID: s.key.ConversationID,
		Cwd:            s.cwd,
		Backend:        s.backend,
		UpdatedAt:      time.Now().UTC(),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), data, 0o600); err != nil {
		return fmt.Errorf("persist session state: %w", err)
	}
	return nil
}

// Registry is the process-wide session store. Lookups are concurrent;
// writes to a single session's working directory are serialized by the
// session's own mutex (last-writer-wins).
type Registry struct {
	root  string
	index store.SessionIndex // optional, nil disables the restart index

	mu       sync.RWMutex
	sessions map[Key]*Session
}

// NewRegistry creates a registry rooted at dir. Workspaces are created
// under dir on first use. index may be nil.
func NewRegistry(dir string, index store.SessionIndex) *Registry {
	return &Registry{
		root:     dir,
		index:    index,
		sessions: make(map[Key]*Session),
	}
}

// GetOrCreate returns the session for key, creating workspace and
// state on first call. Idempotent: a second call with the same key
// returns the same Session including any working-directory mutation
// performed in between. A session evicted from memory but still on
// disk (e.g. after a host restart) is recovered from its persisted
// record.
func (r *Registry) GetOrCreate(key Key) (*Session, error) {
	r.mu.RLock()
	if s, ok := r.sessions[key]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check under the write lock.
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	if s := r.recover(key); s != nil {
		r.sessions[key] = s
		return s, nil
	}

	ws := filepath.Join(r.root, workspaceName(key))
	if err := os.MkdirAll(ws, 0o700); err != nil {
		return nil, fmt.Errorf("create session workspace: %w", err)
	}

	s := &Session{key: key, workspace: ws, cwd: sandbox.Root}
	if err := s.persist(); err != nil {
		return nil, err
	}
	r.sessions[key] = s
	r.writeIndex(s)

	slog.Info("session created", "session", key.String(), "workspace", ws)
	return s, nil
}

// recover rebuilds a session from the index and its on-disk record.
func (r *Registry) recover(key Key) *Session {
	if r.index == nil {
		return nil
	}
	rec, err := r.index.Get(key.AgentID, key.ConversationID)
	if err != nil || rec == nil {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(rec.Workspace, StateDirName, "state.json"))
	if err != nil {
		return nil
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		slog.Warn("corrupt session state, starting fresh", "session", key.String(), "error", err)
		return nil
	}

	cwd := st.Cwd
	if cwd == "" || !path.IsAbs(cwd) {
		cwd = sandbox.Root
	}
	slog.Info("session recovered", "session", key.String(), "workspace", rec.Workspace, "cwd", cwd)
	return &Session{key: key, workspace: rec.Workspace, cwd: cwd, backend: st.Backend}
}

// Touch re-persists the session and refreshes its index row. Called by
// the engine after every mutating call.
func (r *Registry) Touch(s *Session) {
	if err := s.persist(); err != nil {
		slog.Warn("failed to persist session state", "session", s.key.String(), "error", err)
	}
	r.writeIndex(s)
}

func (r *Registry) writeIndex(s *Session) {
	if r.index == nil {
		return
	}
	err := r.index.Put(store.SessionRecord{
		AgentID:        s.key.AgentID,
		ConversationID: s.key.ConversationID,
		Workspace:      s.workspace,
		Cwd:            s.Cwd(),
		Backend:        s.Backend(),
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("failed to update session index", "session", s.key.String(), "error", err)
	}
}

// Evict removes the session from the registry and index. When
// removeWorkspace is true the on-disk workspace is deleted as well;
// otherwise the workspace stays and the session can be recovered later.
// A session known only to the index (e.g. created by an earlier host
// process) is evicted the same way as an in-memory one.
func (r *Registry) Evict(key Key, removeWorkspace bool) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	// Resolve the workspace before the index row disappears.
	ws := ""
	if ok {
		ws = s.workspace
	} else if r.index != nil {
		if rec, err := r.index.Get(key.AgentID, key.ConversationID); err == nil && rec != nil {
			ws = rec.Workspace
		}
	}

	if r.index != nil {
		if err := r.index.Delete(key.AgentID, key.ConversationID); err != nil {
			slog.Warn("failed to delete session index row", "session", key.String(), "error", err)
		}
	}

	if removeWorkspace && ws != "" {
		if err := os.RemoveAll(ws); err != nil {
			return fmt.Errorf("remove session workspace: %w", err)
		}
	}
	return nil
}

// List returns all sessions known to the index, falling back to the
// in-memory registry when no index is configured.
func (r *Registry) List() []store.SessionRecord {
	if r.index != nil {
		recs, err := r.index.List()
		if err == nil {
			return recs
		}
		slog.Warn("failed to list session index", "error", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.SessionRecord, 0, len(r.sessions))
	for k, s := range r.sessions {
		out = append(out, store.SessionRecord{
			AgentID:        k.AgentID,
			ConversationID: k.ConversationID,
			Workspace:      s.Workspace(),
			Cwd:            s.Cwd(),
			Backend:        s.Backend(),
		})
	}
	return out
}

// workspaceName builds a unique, filesystem-safe directory name.
func workspaceName(key Key) string {
	safe := strings.NewReplacer(":", "-", "/", "-", " ", "-", ".", "-")
	name := safe.Replace(key.AgentID) + "-" + safe.Replace(key.ConversationID)
	if len(name) > 50 {
		name = name[:50]
	}
	return name + "-" + uuid.NewString()[:8]
}
