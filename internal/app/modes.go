package app

import "strings"

// Mode selects how a turn is allowed to interact with the workspace.
// Plan mode is planning-only: the model may call exactly one tool (p-plan).
type Mode string

const (
	ModePlan   Mode = "plan"
	ModeAction Mode = "action"
)

func ParseMode(value string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ModePlan):
		return ModePlan, true
	case string(ModeAction), "do", "code":
		// "do"/"code" are accepted as CLI spellings of action mode.
		return ModeAction, true
	default:
		return Mode(""), false
	}
}
