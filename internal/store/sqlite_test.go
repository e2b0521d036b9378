package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSQLiteIndex_PutGet(t *testing.T) {
	idx := openTestIndex(t)

	rec := SessionRecord{
		AgentID:        "coder",
		ConversationID: "conv-1",
		Workspace:      "/state/ws-abc",
		Cwd:            "/workspace",
		Backend:        "bwrap",
	}
	if err := idx.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, err := idx.Get("coder", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Workspace != rec.Workspace || got.Cwd != rec.Cwd || got.Backend != rec.Backend {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be filled in on Put")
	}
}

func TestSQLiteIndex_GetMissing(t *testing.T) {
	idx := openTestIndex(t)
	got, err := idx.Get("nobody", "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %+v", got)
	}
}

func TestSQLiteIndex_PutOverwrites(t *testing.T) {
	idx := openTestIndex(t)

	base := SessionRecord{AgentID: "a", ConversationID: "c", Workspace: "/ws", Cwd: "/workspace"}
	if err := idx.Put(base); err != nil {
		t.Fatal(err)
	}
	base.Cwd = "/workspace/subdir"
	if err := idx.Put(base); err != nil {
		t.Fatal(err)
	}

	got, err := idx.Get("a", "c")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cwd != "/workspace/subdir" {
		t.Errorf("expected updated cwd, got %q", got.Cwd)
	}
}

func TestSQLiteIndex_ListOrder(t *testing.T) {
	idx := openTestIndex(t)

	old := SessionRecord{AgentID: "a", ConversationID: "old", Workspace: "/ws1", Cwd: "/workspace",
		UpdatedAt: time.Now().Add(-time.Hour)}
	recent := SessionRecord{AgentID: "a", ConversationID: "new", Workspace: "/ws2", Cwd: "/workspace",
		UpdatedAt: time.Now()}
	if err := idx.Put(old); err != nil {
		t.Fatal(err)
	}
	if err := idx.Put(recent); err != nil {
		t.Fatal(err)
	}

	recs, err := idx.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ConversationID != "new" {
		t.Errorf("expected most recent first, got %q", recs[0].ConversationID)
	}
}

func TestSQLiteIndex_Delete(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.Put(SessionRecord{AgentID: "a", ConversationID: "c", Workspace: "/ws", Cwd: "/workspace"}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete("a", "c"); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Get("a", "c")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("record should be gone after delete")
	}

	// Deleting again is not an error.
	if err := idx.Delete("a", "c"); err != nil {
		t.Errorf("double delete should be nil, got %v", err)
	}
}
