package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionIndexVersion = 1
	defaultSessionName  = "New Session"
	sessionTitleMax     = 50
)

// sessionIndex is the persisted index file shape.
type sessionIndex struct {
	Version         int           `json:"version"`
	ActiveSessionID string        `json:"active_session_id"`
	Sessions        []SessionInfo `json:"sessions"`
}

// SessionStore persists multi-turn conversation state: one JSON file per
// session under <root>/sessions plus an index file. Single-process,
// single-writer; a corrupt index is rebuilt from the session files rather
// than failing startup.
type SessionStore struct {
	Root   string
	logger *Logger

	mu          sync.Mutex
	initialized bool
	activeID    string
	sessions    map[string]SessionInfo
}

func NewSessionStore(root string, logger *Logger) *SessionStore {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	return &SessionStore{
		Root:     filepath.Clean(root),
		logger:   logger,
		sessions: make(map[string]SessionInfo),
	}
}

func (s *SessionStore) indexPath() string   { return filepath.Join(s.Root, "index.json") }
func (s *SessionStore) sessionsDir() string { return filepath.Join(s.Root, "sessions") }
func (s *SessionStore) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+".json")
}

// Initialize loads the index, rebuilding it from session files when it is
// absent or unparsable, and guarantees exactly one active session exists.
// Idempotent: second and later calls are no-ops.
func (s *SessionStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return err
	}

	recordedActive := ""
	if idx, err := s.readIndex(); err == nil {
		for _, info := range idx.Sessions {
			if strings.TrimSpace(info.ID) == "" {
				continue
			}
			s.sessions[info.ID] = info
		}
		recordedActive = idx.ActiveSessionID
	} else {
		s.logger.Warn("session index unreadable, rebuilding from session files", map[string]interface{}{
			"error": err.Error(),
		})
		s.rebuildFromFilesLocked()
	}

	// Drop index entries whose session file vanished; adopt files the index
	// never heard of.
	s.reconcileWithFilesLocked()

	s.chooseActiveLocked(recordedActive)
	if len(s.sessions) == 0 {
		s.createSessionLocked("")
	}
	s.persistIndexLocked()
	s.initialized = true
	return nil
}

func (s *SessionStore) readIndex() (*sessionIndex, error) {
	b, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil, err
	}
	var idx sessionIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// rebuildFromFilesLocked scans the per-session files and salvages whatever
// parses into a fresh in-memory index.
func (s *SessionStore) rebuildFromFilesLocked() {
	ents, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		return
	}
	for _, ent := range ents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(ent.Name(), ".json")
		b, err := os.ReadFile(s.sessionPath(id))
		if err != nil {
			continue
		}
		var state SessionState
		if err := json.Unmarshal(b, &state); err != nil {
			continue
		}
		info := state.Info
		if strings.TrimSpace(info.ID) == "" {
			info.ID = id
		}
		info.MessageCount = len(state.Messages)
		s.sessions[info.ID] = info
	}
}

func (s *SessionStore) reconcileWithFilesLocked() {
	for id := range s.sessions {
		if _, err := os.Stat(s.sessionPath(id)); errors.Is(err, os.ErrNotExist) {
			delete(s.sessions, id)
		}
	}
}

// chooseActiveLocked prefers the recorded active id when it still exists,
// then the most-recently-updated session.
func (s *SessionStore) chooseActiveLocked(recorded string) {
	if _, ok := s.sessions[recorded]; ok {
		s.setActiveLocked(recorded)
		return
	}
	var best string
	var bestTime time.Time
	for id, info := range s.sessions {
		if best == "" || info.UpdatedAt.After(bestTime) {
			best = id
			bestTime = info.UpdatedAt
		}
	}
	if best != "" {
		s.setActiveLocked(best)
	}
}

func (s *SessionStore) setActiveLocked(id string) {
	s.activeID = id
	for sid, info := range s.sessions {
		info.IsActive = sid == id
		s.sessions[sid] = info
	}
}

// persistIndexLocked writes the index file. Failures are logged, never
// propagated: persistence must not interrupt the conversation.
func (s *SessionStore) persistIndexLocked() {
	idx := sessionIndex{
		Version:         sessionIndexVersion,
		ActiveSessionID: s.activeID,
		Sessions:        make([]SessionInfo, 0, len(s.sessions)),
	}
	for _, info := range s.sessions {
		idx.Sessions = append(idx.Sessions, info)
	}
	sort.Slice(idx.Sessions, func(i, j int) bool {
		return idx.Sessions[i].UpdatedAt.After(idx.Sessions[j].UpdatedAt)
	})
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		s.logger.Error("marshal session index", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.WriteFile(s.indexPath(), b, 0o644); err != nil {
		s.logger.Error("write session index", map[string]interface{}{"error": err.Error()})
	}
}

func (s *SessionStore) createSessionLocked(name string) SessionInfo {
	if strings.TrimSpace(name) == "" {
		name = defaultSessionName
	}
	now := time.Now()
	info := SessionInfo{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[info.ID] = info
	s.setActiveLocked(info.ID)

	state := SessionState{Info: info}
	if b, err := json.MarshalIndent(&state, "", "  "); err == nil {
		if err := os.WriteFile(s.sessionPath(info.ID), b, 0o644); err != nil {
			s.logger.Error("write session file", map[string]interface{}{"id": info.ID, "error": err.Error()})
		}
	}
	return s.sessions[info.ID]
}

// CreateSession registers a new session and makes it active.
func (s *SessionStore) CreateSession(name string) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.createSessionLocked(name)
	s.persistIndexLocked()
	return info
}

func (s *SessionStore) GetActiveSession() (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[s.activeID]
	return info, ok
}

func (s *SessionStore) GetSessionByID(id string) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[id]
	return info, ok
}

// UpdateSessionName renames a session; false when the id is unknown.
func (s *SessionStore) UpdateSessionName(id, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[id]
	if !ok {
		return false
	}
	info.Name = strings.TrimSpace(name)
	if info.Name == "" {
		info.Name = defaultSessionName
	}
	info.UpdatedAt = time.Now()
	s.sessions[id] = info
	s.persistIndexLocked()
	return true
}

// SetActiveSessionID switches the active pointer; an unknown id is ignored
// and the pointer is left unchanged.
func (s *SessionStore) SetActiveSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	s.setActiveLocked(id)
	s.persistIndexLocked()
}

// DeleteSession removes a session. It refuses to delete the active session
// and tolerates a failed file unlink by still dropping the index entry.
func (s *SessionStore) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	if id == s.activeID {
		return false
	}
	if err := os.Remove(s.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("delete session file", map[string]interface{}{"id": id, "error": err.Error()})
	}
	delete(s.sessions, id)
	s.persistIndexLocked()
	return true
}

// ClearAllSessions deletes every session file best-effort and creates
// exactly one fresh session.
func (s *SessionStore) ClearAllSessions() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		_ = os.Remove(s.sessionPath(id))
		delete(s.sessions, id)
	}
	info := s.createSessionLocked("")
	s.persistIndexLocked()
	return info
}

// ListSessions returns index records ordered most-recently-updated first.
func (s *SessionStore) ListSessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// LoadSession lazy-reads the per-session file; nil when missing.
func (s *SessionStore) LoadSession(id string) (*SessionState, error) {
	b, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state SessionState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSession serializes the live conversation to the session's file and
// refreshes its index entry. Unknown ids are silently ignored; write
// failures are logged, never thrown.
func (s *SessionStore) SaveSession(live *LiveSession) {
	if live == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[live.ID]
	if !ok {
		return
	}
	info.UpdatedAt = time.Now()
	info.MessageCount = len(live.Messages)
	info.TokenUsage = live.TokenState.Total()
	if live.ModelID != "" {
		info.ModelID = live.ModelID
	}
	s.sessions[live.ID] = info

	state := SessionState{
		Info:         info,
		Messages:     live.Messages,
		SystemPrompt: live.SystemPrompt,
		TokenState:   live.TokenState,
	}
	b, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		s.logger.Error("marshal session", map[string]interface{}{"id": live.ID, "error": err.Error()})
		return
	}
	if err := os.WriteFile(s.sessionPath(live.ID), b, 0o644); err != nil {
		s.logger.Error("write session", map[string]interface{}{"id": live.ID, "error": err.Error()})
		return
	}
	s.persistIndexLocked()
}

// GenerateTitleFromMessage derives a session title from the first line of a
// user message: @file references stripped, collapsed to 50 characters with
// an ellipsis when longer, defaulting when nothing usable remains.
func GenerateTitleFromMessage(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = StripFileRefs(line)
	if line == "" {
		return defaultSessionName
	}
	runes := []rune(line)
	if len(runes) <= sessionTitleMax {
		return line
	}
	return string(runes[:sessionTitleMax-3]) + "..."
}
