package app

import "strings"

// ModelCapabilities describes what the active model supports. The mask engine
// uses it to pick a tool-negotiation strategy, the clients use it to decide
// whether to send thinking parameters, and the orchestrator uses it for
// context budgeting and compaction thresholds.
type ModelCapabilities struct {
	SupportsToolChoice bool
	SupportsPrefill    bool
	SupportsThinking   bool
	ContextWindow      int
	// CompactAfterMessages is the real-message threshold that triggers
	// conversation compaction regardless of the token budget.
	CompactAfterMessages int
}

// DetectCapabilities estimates capabilities from the model id.
//
// Heuristic on purpose: model catalogs move faster than this code, so unknown
// models get conservative defaults (native tool choice assumed, no thinking).
func DetectCapabilities(model string) ModelCapabilities {
	m := strings.ToLower(strings.TrimSpace(model))

	caps := ModelCapabilities{
		SupportsToolChoice:   true,
		ContextWindow:        128_000,
		CompactAfterMessages: 80,
	}

	switch {
	case strings.Contains(m, "claude"):
		caps.SupportsPrefill = true
		caps.SupportsThinking = true
		caps.ContextWindow = 200_000
	case strings.Contains(m, "o1"), strings.Contains(m, "o3"):
		caps.SupportsThinking = true
		caps.ContextWindow = 200_000
	case strings.Contains(m, "deepseek-reasoner"), strings.Contains(m, "-r1"):
		// Reasoner endpoints stream reasoning_content but reject tool_choice.
		caps.SupportsToolChoice = false
		caps.SupportsThinking = true
		caps.ContextWindow = 64_000
	case strings.Contains(m, "deepseek"):
		caps.ContextWindow = 64_000
	case strings.Contains(m, "gpt-4o"), strings.Contains(m, "gpt-4.1"):
		caps.ContextWindow = 128_000
	case strings.Contains(m, "minimax"):
		caps.SupportsToolChoice = false
		caps.SupportsPrefill = true
	}

	if caps.ContextWindow <= 32_000 {
		caps.CompactAfterMessages = 40
	}
	return caps
}
