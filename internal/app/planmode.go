package app

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	planNumberedLineRE = regexp.MustCompile(`^\d+[.)]\s+`)
	planCheckboxLineRE = regexp.MustCompile(`(?i)^\s*(?:[-*+]\s*)?\[\s*(?: |x)\s*\]\s+(.+)$`)
)

// PlanPrefill seeds the assistant reply when the negotiation strategy is
// prefill, steering prefill-capable models toward the plan tool.
const PlanPrefill = "I'll record the plan with the p-plan tool."

func planSystemPrompt(workDir string) string {
	if strings.TrimSpace(workDir) == "" {
		workDir = "."
	}
	return fmt.Sprintf(`You are Tandem in PLAN mode. Your job is to produce an implementation plan, not to execute it.

WORKDIR: %s

RULES:
- Plan mode is planning-only. Do NOT modify files and do NOT run mutating commands.
- If the user asks to implement or execute something, treat it as a request to plan that work.
- The plan must be decision-complete: the implementer should not have to make any decisions.
- When the plan is ready, call the p-plan tool exactly once with the ordered list of steps. Do not answer in prose instead of calling the tool.`, workDir)
}

func actionSystemPrompt(workDir string) string {
	if strings.TrimSpace(workDir) == "" {
		workDir = "."
	}
	return fmt.Sprintf(`You are Tandem, a terminal coding assistant.

WORKDIR: %s

RULES:
- Use the provided tools to inspect and change the project; never invent file contents.
- Prefer small, verifiable steps. After a mutating command, check its result before moving on.
- When a tool fails, read the error and adjust; do not repeat the same call unchanged.
- Answer concisely. Paths are relative to WORKDIR unless absolute.`, workDir)
}

// SystemPromptForMode returns the session system prompt for the given mode.
func SystemPromptForMode(mode Mode, workDir string) string {
	if mode == ModePlan {
		return planSystemPrompt(workDir)
	}
	return actionSystemPrompt(workDir)
}

func extractPlanSteps(raw string) []string {
	var items []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		item := ""
		switch {
		case planCheckboxLineRE.MatchString(line):
			m := planCheckboxLineRE.FindStringSubmatch(line)
			if len(m) >= 2 {
				item = m[1]
			}
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			item = line[2:]
		case planNumberedLineRE.MatchString(line):
			item = planNumberedLineRE.ReplaceAllString(line, "")
		}
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, item)
	}
	return items
}

// LooksLikePlan reports whether prose output has recognizable plan shape:
// at least two distinct list or checklist steps. Used to validate plan-mode
// replies from models that cannot be constrained mechanically
// (dynamic_fallback) and answered in prose instead of calling p-plan.
func LooksLikePlan(text string) bool {
	return len(extractPlanSteps(text)) >= 2
}

// planCorrectionNudge is sent once when a dynamic_fallback plan-mode reply
// neither called p-plan nor had plan shape.
const planCorrectionNudge = "Your reply was not a plan. Respond again with an ordered implementation plan: call the p-plan tool with the list of steps, or at minimum reply with a numbered list of steps."
