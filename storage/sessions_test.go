package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SessionStorage {
	t.Helper()
	store, err := NewSessionStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStorage(t)

	session := &Session{
		Name:           "vault setup",
		Provider:       "copilot",
		Model:          "gpt-5-codex",
		SystemPrompt:   "be terse",
		ConversationID: "conv-9",
		Messages: []Message{
			{Role: "user", Content: "hello", Channel: "cli", Modality: "text"},
			{Role: "assistant", Content: "hi there"},
			{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_1"},
		},
	}
	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}
	if session.ID == "" {
		t.Fatal("Save did not assign an id")
	}
	if session.CreatedAt.IsZero() || session.LastUsedAt.IsZero() {
		t.Error("Save did not stamp timestamps")
	}

	loaded, err := store.Load(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "vault setup" || loaded.Provider != "copilot" {
		t.Errorf("loaded metadata: got %q/%q", loaded.Name, loaded.Provider)
	}
	if loaded.ConversationID != "conv-9" {
		t.Errorf("conversation id: got %q", loaded.ConversationID)
	}
	if len(loaded.Messages) != 3 {
		t.Fatalf("messages: got %d, want 3", len(loaded.Messages))
	}
	if loaded.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool call id: got %q", loaded.Messages[2].ToolCallID)
	}
}

func TestLoadMissingSession(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.Load("nope"); err == nil {
		t.Error("expected error for missing session")
	}
}

func TestSaveFiresOnChangeSaveSilentDoesNot(t *testing.T) {
	store := newTestStorage(t)

	var changed []string
	store.OnChange = func(id string) { changed = append(changed, id) }

	session := &Session{Name: "a"}
	if err := store.SaveSilent(session); err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Fatalf("SaveSilent fired OnChange %d times", len(changed))
	}

	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != session.ID {
		t.Errorf("OnChange calls: got %v, want [%s]", changed, session.ID)
	}
}

func TestListOrdersByLastUsed(t *testing.T) {
	store := newTestStorage(t)

	old := &Session{ID: "old", Name: "old"}
	if err := store.Save(old); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	recent := &Session{ID: "recent", Name: "recent", Messages: []Message{{Role: "user", Content: "x"}}}
	if err := store.Save(recent); err != nil {
		t.Fatal(err)
	}

	// Corrupt file should be skipped, not fail the listing.
	corruptPath := filepath.Join(store.sessionsDir, "broken.json")
	if err := os.WriteFile(corruptPath, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list length: got %d, want 2", len(list))
	}
	if list[0].ID != "recent" || list[1].ID != "old" {
		t.Errorf("order: got %s, %s", list[0].ID, list[1].ID)
	}
	if list[0].MessageCount != 1 {
		t.Errorf("message count: got %d", list[0].MessageCount)
	}
}

func TestRenameAndArchive(t *testing.T) {
	store := newTestStorage(t)
	session := &Session{ID: "s1", Name: "before"}
	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}

	if err := store.Rename("s1", "after"); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "after" {
		t.Errorf("name: got %q", loaded.Name)
	}

	if err := store.SetArchived("s1", true); err != nil {
		t.Fatal(err)
	}
	loaded, err = store.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Archived {
		t.Error("archived flag not persisted")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStorage(t)
	session := &Session{ID: "gone"}
	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("gone"); err == nil {
		t.Error("session still loadable after delete")
	}
	if err := store.Delete("gone"); err == nil {
		t.Error("expected error deleting a missing session")
	}
}

func TestExportToJSON(t *testing.T) {
	store := newTestStorage(t)
	session := &Session{ID: "ex", Name: "exported", Messages: []Message{{Role: "user", Content: "hi"}}}
	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}

	exportPath := filepath.Join(t.TempDir(), "out", "session.json")
	if err := store.ExportToJSON("ex", exportPath); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"exported"`) {
		t.Errorf("export content: %s", data)
	}
}

func TestGenerateSessionName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short message", "fix the deploy script", "fix the deploy script"},
		{"newlines collapsed", "first line\nsecond line", "first line second line"},
		{"truncated", strings.Repeat("a", 40), strings.Repeat("a", 30) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenerateSessionName(tt.input); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	// Empty input falls back to a timestamp name.
	if got := GenerateSessionName(""); !strings.HasPrefix(got, "Session ") {
		t.Errorf("fallback name: got %q", got)
	}
}

func TestSearchMessages(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "you know about vaults"},
		{Role: "user", Content: "how do I rotate the Vault token?"},
		{Role: "assistant", Content: "run the rotation command"},
	}

	matches := SearchMessages(messages, "vault")
	if len(matches) != 1 {
		t.Fatalf("matches: got %d, want 1 (system excluded, case-insensitive)", len(matches))
	}
	if matches[0].MessageIndex != 1 || matches[0].Role != "user" {
		t.Errorf("match: got %+v", matches[0])
	}

	if got := SearchMessages(messages, ""); len(got) != 0 {
		t.Errorf("empty query: got %d matches", len(got))
	}
}

func TestSessionLocking(t *testing.T) {
	store := newTestStorage(t)

	locked, err := store.CheckSessionLock("s1")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Error("fresh session reported locked")
	}

	if err := store.LockSession("s1"); err != nil {
		t.Fatal(err)
	}
	locked, err = store.CheckSessionLock("s1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Error("locked session reported unlocked")
	}

	if err := store.UnlockSession("s1"); err != nil {
		t.Fatal(err)
	}
	if err := store.UnlockSession("s1"); err != nil {
		t.Errorf("double unlock: %v", err)
	}
	locked, err = store.CheckSessionLock("s1")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Error("unlocked session reported locked")
	}
}
