package app

import "time"

// SessionInfo is the lightweight index record for one session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TokenUsage   int       `json:"token_usage"`
	MessageCount int       `json:"message_count"`
	ModelID      string    `json:"model_id,omitempty"`
	IsActive     bool      `json:"is_active"`
}

// TokenState tracks cumulative token counters for a session.
type TokenState struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (t TokenState) Total() int { return t.PromptTokens + t.CompletionTokens }

// SessionState is the full persisted record, one file per session id.
type SessionState struct {
	Info         SessionInfo `json:"info"`
	Messages     []Message   `json:"messages"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	TokenState   TokenState  `json:"token_state"`
}

// LiveSession is the in-memory conversation the orchestrator mutates during
// a turn. It is serialized through SessionStore.SaveSession.
type LiveSession struct {
	ID           string
	SystemPrompt string
	Messages     []Message
	TokenState   TokenState
	ModelID      string
}

// RealMessageCount counts conversation messages excluding the synthetic
// compaction-summary message, which must not count toward the compaction
// threshold.
func (s *LiveSession) RealMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if isCompactionSummary(m) {
			continue
		}
		n++
	}
	return n
}

// Transcript flattens the conversation for budgeting estimates.
func (s *LiveSession) Transcript() string {
	var size int
	for _, m := range s.Messages {
		size += len(m.Content) + 16
	}
	b := make([]byte, 0, size+len(s.SystemPrompt))
	b = append(b, s.SystemPrompt...)
	for _, m := range s.Messages {
		b = append(b, '\n')
		b = append(b, m.Content...)
	}
	return string(b)
}
