package tui

import "github.com/charmbracelet/lipgloss"

type Theme struct {
	TextPrimary lipgloss.AdaptiveColor
	TextMuted   lipgloss.AdaptiveColor
	Accent      lipgloss.AdaptiveColor
	Warn        lipgloss.AdaptiveColor
	Error       lipgloss.AdaptiveColor
	Border      lipgloss.AdaptiveColor

	RoleYou lipgloss.Style
	RoleAI  lipgloss.Style
	RoleSys lipgloss.Style
	RoleErr lipgloss.Style

	StatusBar  lipgloss.Style
	ModeBadge  lipgloss.Style
	PlanBadge  lipgloss.Style
	InputBox   lipgloss.Style
	Spinner    lipgloss.Style
	UsageOK    lipgloss.Style
	UsageWarn  lipgloss.Style
	UsageFull  lipgloss.Style
	Reasoning  lipgloss.Style
	ToolMarker lipgloss.Style
}

func NewTheme() Theme {
	t := Theme{
		TextPrimary: lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#e6e6e6"},
		TextMuted:   lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"},
		Accent:      lipgloss.AdaptiveColor{Light: "#2563eb", Dark: "#60a5fa"},
		Warn:        lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"},
		Error:       lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"},
		Border:      lipgloss.AdaptiveColor{Light: "#d1d5db", Dark: "#374151"},
	}

	t.RoleYou = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)
	t.RoleAI = lipgloss.NewStyle().Bold(true).Foreground(t.TextPrimary)
	t.RoleSys = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.RoleErr = lipgloss.NewStyle().Bold(true).Foreground(t.Error)

	t.StatusBar = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.ModeBadge = lipgloss.NewStyle().Bold(true).Foreground(t.Accent)
	t.PlanBadge = lipgloss.NewStyle().Bold(true).Foreground(t.Warn)
	t.InputBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border).
		Padding(0, 1)
	t.Spinner = lipgloss.NewStyle().Foreground(t.Accent)
	t.UsageOK = lipgloss.NewStyle().Foreground(t.TextMuted)
	t.UsageWarn = lipgloss.NewStyle().Foreground(t.Warn)
	t.UsageFull = lipgloss.NewStyle().Foreground(t.Error)
	t.Reasoning = lipgloss.NewStyle().Italic(true).Foreground(t.TextMuted)
	t.ToolMarker = lipgloss.NewStyle().Foreground(t.TextMuted)

	return t
}
