package app

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// maxPromptHistory caps the recall list per workdir.
const maxPromptHistory = 200

// HistoryStore keeps per-workdir prompt history in a sqlite database so the
// TUI can recall earlier prompts with the arrow keys.
type HistoryStore struct {
	dbPath string

	mu sync.Mutex
	db *sql.DB
}

func NewHistoryStore(root string) (*HistoryStore, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	st := &HistoryStore{dbPath: filepath.Join(root, "history.db")}
	if err := st.init(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *HistoryStore) init() error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return err
	}
	// Keep sqlite responsive under contention.
	_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
	_, _ = db.Exec("PRAGMA journal_mode = WAL;")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

	schema := []string{
		`CREATE TABLE IF NOT EXISTS prompt_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			work_dir TEXT NOT NULL,
			prompt TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_history_dir ON prompt_history(work_dir, id);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return err
		}
	}
	s.db = db
	return nil
}

func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func normalizeHistory(entries []string, max int) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == entry {
			continue
		}
		out = append(out, entry)
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// Append records one prompt for the workdir. Adjacent duplicates are
// skipped; old rows beyond the cap are pruned.
func (s *HistoryStore) Append(workDir, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil
	}
	workDir = filepath.Clean(workDir)

	s.mu.Lock()
	defer s.mu.Unlock()

	var last string
	err := s.db.QueryRow(
		`SELECT prompt FROM prompt_history WHERE work_dir = ? ORDER BY id DESC LIMIT 1`,
		workDir,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if last == prompt {
		return nil
	}

	if _, err := s.db.Exec(
		`INSERT INTO prompt_history (work_dir, prompt, created_at_ns) VALUES (?, ?, strftime('%s','now') * 1000000000)`,
		workDir, prompt,
	); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM prompt_history WHERE work_dir = ? AND id NOT IN (
			SELECT id FROM prompt_history WHERE work_dir = ? ORDER BY id DESC LIMIT ?
		)`,
		workDir, workDir, maxPromptHistory,
	)
	return err
}

// Load returns the workdir's prompt history, oldest first.
func (s *HistoryStore) Load(workDir string) ([]string, error) {
	workDir = filepath.Clean(workDir)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT prompt FROM prompt_history WHERE work_dir = ? ORDER BY id ASC`,
		workDir,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return normalizeHistory(entries, maxPromptHistory), nil
}
