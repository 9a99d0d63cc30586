package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store := NewSessionStore(t.TempDir(), NewLogger(nil))
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return store
}

func TestInitializeCreatesOneActiveSession(t *testing.T) {
	store := newTestStore(t)

	sessions := store.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	active, ok := store.GetActiveSession()
	if !ok {
		t.Fatalf("no active session after Initialize")
	}
	if active.Name != "New Session" {
		t.Fatalf("default name = %q", active.Name)
	}
	if _, err := os.Stat(filepath.Join(store.Root, "index.json")); err != nil {
		t.Fatalf("index file missing: %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	before := store.ListSessions()
	if err := store.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	after := store.ListSessions()
	if len(before) != len(after) || before[0].ID != after[0].ID {
		t.Fatalf("second Initialize changed state: %v vs %v", before, after)
	}
}

func TestInitializeRebuildsFromCorruptIndex(t *testing.T) {
	root := t.TempDir()
	store := NewSessionStore(root, NewLogger(nil))
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	info := store.CreateSession("survivor")

	// Corrupt the index and start over with a fresh store instance.
	if err := os.WriteFile(filepath.Join(root, "index.json"), []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}
	store2 := NewSessionStore(root, NewLogger(nil))
	if err := store2.Initialize(); err != nil {
		t.Fatalf("Initialize after corruption: %v", err)
	}

	got, ok := store2.GetSessionByID(info.ID)
	if !ok {
		t.Fatalf("session %s lost in rebuild", info.ID)
	}
	if got.Name != "survivor" {
		t.Fatalf("rebuilt name = %q, want %q", got.Name, "survivor")
	}
}

func TestInitializeDropsEntriesWithoutFiles(t *testing.T) {
	root := t.TempDir()
	store := NewSessionStore(root, NewLogger(nil))
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	orphan := store.CreateSession("orphan")
	if err := os.Remove(filepath.Join(root, "sessions", orphan.ID+".json")); err != nil {
		t.Fatalf("remove session file: %v", err)
	}

	store2 := NewSessionStore(root, NewLogger(nil))
	if err := store2.Initialize(); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if _, ok := store2.GetSessionByID(orphan.ID); ok {
		t.Fatalf("orphan index entry should be dropped")
	}
}

func TestDeleteSessionRefusesActive(t *testing.T) {
	store := newTestStore(t)
	active, _ := store.GetActiveSession()
	if store.DeleteSession(active.ID) {
		t.Fatalf("deleting the active session must fail")
	}
	if store.DeleteSession("no-such-id") {
		t.Fatalf("deleting an unknown session must fail")
	}

	other := store.CreateSession("other") // becomes active
	if !store.DeleteSession(active.ID) {
		t.Fatalf("deleting a non-active session should succeed")
	}
	if _, ok := store.GetSessionByID(active.ID); ok {
		t.Fatalf("deleted session still listed")
	}
	if got, _ := store.GetActiveSession(); got.ID != other.ID {
		t.Fatalf("active = %s, want %s", got.ID, other.ID)
	}
}

func TestSetActiveSessionIgnoresUnknown(t *testing.T) {
	store := newTestStore(t)
	active, _ := store.GetActiveSession()
	store.SetActiveSessionID("no-such-id")
	got, _ := store.GetActiveSession()
	if got.ID != active.ID {
		t.Fatalf("active changed to %s on unknown id", got.ID)
	}
}

func TestSaveAndLoadSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	active, _ := store.GetActiveSession()

	live := &LiveSession{
		ID:           active.ID,
		SystemPrompt: "be helpful",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
		TokenState: TokenState{PromptTokens: 10, CompletionTokens: 5},
	}
	store.SaveSession(live)

	state, err := store.LoadSession(active.ID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if state == nil {
		t.Fatalf("LoadSession returned nil for existing session")
	}
	if len(state.Messages) != 2 || state.Messages[1].Content != "hello" {
		t.Fatalf("messages = %+v", state.Messages)
	}
	if state.TokenState.Total() != 15 {
		t.Fatalf("token total = %d, want 15", state.TokenState.Total())
	}

	info, _ := store.GetSessionByID(active.ID)
	if info.MessageCount != 2 || info.TokenUsage != 15 {
		t.Fatalf("index entry not refreshed: %+v", info)
	}
}

func TestSaveSessionUnknownIDIsNoOp(t *testing.T) {
	store := newTestStore(t)
	store.SaveSession(&LiveSession{ID: "no-such-id", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if state, _ := store.LoadSession("no-such-id"); state != nil {
		t.Fatalf("unknown session should not be written")
	}
}

func TestLoadSessionMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	state, err := store.LoadSession("missing")
	if err != nil || state != nil {
		t.Fatalf("LoadSession(missing) = %v, %v; want nil, nil", state, err)
	}
}

func TestClearAllSessions(t *testing.T) {
	store := newTestStore(t)
	store.CreateSession("a")
	store.CreateSession("b")

	fresh := store.ClearAllSessions()
	sessions := store.ListSessions()
	if len(sessions) != 1 || sessions[0].ID != fresh.ID {
		t.Fatalf("after clear: %+v", sessions)
	}
	if !sessions[0].IsActive {
		t.Fatalf("fresh session should be active")
	}
}

func TestGenerateTitleFromMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "fix the login bug", "fix the login bug"},
		{"first line only", "fix the login bug\nand then deploy", "fix the login bug"},
		{"strips refs", "review @src/main.go for races", "review for races"},
		{"empty", "   ", "New Session"},
		{"only refs", "@a.go @b.go", "New Session"},
		{
			"long is ellipsized",
			strings.Repeat("a", 60),
			strings.Repeat("a", 47) + "...",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := GenerateTitleFromMessage(tc.in)
			if got != tc.want {
				t.Fatalf("GenerateTitleFromMessage(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
