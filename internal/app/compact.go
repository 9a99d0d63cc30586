package app

import (
	"context"
	"fmt"
	"strings"
)

// compactionSummaryPrefix marks the single synthetic summary message a
// compacted session is seeded with.
const compactionSummaryPrefix = "Summary of the previous conversation:"

// compactionTranscriptChars caps how much history is handed to the
// summarization turn. The newest exchanges matter most, so the cap keeps
// the tail.
const compactionTranscriptChars = 16_000

func isCompactionSummary(m Message) bool {
	return m.Role == RoleSystem && strings.HasPrefix(m.Content, compactionSummaryPrefix)
}

// NeedsCompaction reports whether the working session must be compacted
// before the next turn: either the real message count (the compaction
// summary itself excluded) reached the model threshold, or the transcript
// no longer fits the context window.
func NeedsCompaction(live *LiveSession, caps ModelCapabilities) bool {
	if live.RealMessageCount() >= caps.CompactAfterMessages {
		return true
	}
	return !FitsInContext(live.Transcript(), caps.ContextWindow, DefaultReserveTokens)
}

func buildCompactionTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if isCompactionSummary(m) {
			// Fold the prior summary in without its marker so it reads as
			// plain context.
			fmt.Fprintf(&b, "[EARLIER CONTEXT]\n%s\n\n", strings.TrimSpace(strings.TrimPrefix(m.Content, compactionSummaryPrefix)))
			continue
		}
		role := strings.ToUpper(string(m.Role))
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			content = "(called tools: " + strings.Join(names, ", ") + ")"
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n", role, content)
	}
	transcript := b.String()
	if len(transcript) > compactionTranscriptChars {
		transcript = transcript[len(transcript)-compactionTranscriptChars:]
		if i := strings.IndexByte(transcript, '\n'); i >= 0 {
			transcript = transcript[i+1:]
		}
	}
	return strings.TrimSpace(transcript)
}

const compactionSystemPrompt = `You compress coding-assistant conversations. Produce a dense summary that preserves: the user's goals, decisions made, files and commands involved, unresolved problems, and any constraints stated. Write plain prose, no headers, under 400 words.`

// CompactSession runs a summarization turn over the working session, closes
// it out, and returns a fresh session seeded with the single synthetic
// summary message. Both sessions are persisted.
func CompactSession(ctx context.Context, client ProtocolClient, store *SessionStore, live *LiveSession, logger *Logger) (*LiveSession, error) {
	transcript := buildCompactionTranscript(live.Messages)
	req := &ChatRequest{
		SystemPrompt: compactionSystemPrompt,
		Messages: []Message{{
			Role:    RoleUser,
			Content: "Summarize this conversation:\n\n" + transcript,
		}},
	}
	res, err := client.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("compaction summarize: %w", err)
	}
	summary := strings.TrimSpace(res.Message.Content)
	if summary == "" {
		return nil, ErrEmptyResponse
	}

	// Close out the old session, then seed the replacement.
	store.SaveSession(live)

	oldName := defaultSessionName
	if info, ok := store.GetSessionByID(live.ID); ok {
		oldName = info.Name
	}
	next := store.CreateSession(oldName)
	fresh := &LiveSession{
		ID:           next.ID,
		SystemPrompt: live.SystemPrompt,
		ModelID:      live.ModelID,
		Messages: []Message{{
			Role:    RoleSystem,
			Content: compactionSummaryPrefix + "\n" + summary,
		}},
	}
	store.SaveSession(fresh)
	logger.Info("session compacted", map[string]interface{}{
		"old_session": live.ID,
		"new_session": fresh.ID,
		"messages":    len(live.Messages),
	})
	return fresh, nil
}
