package tui

import (
	"fmt"
	"strings"
	"time"

	"tandem/internal/app"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type chatMessage struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
}

type deltaMsg struct {
	messageID string
	d         app.StreamDelta
}

type noticeMsg struct{ text string }

type sessionReplacedMsg struct{ live *app.LiveSession }

type spinMsg struct{}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Model is the main chat view: a viewport over the conversation, a textarea
// for input, and a status line with mode and context usage.
type Model struct {
	orch    *app.Orchestrator
	history *app.HistoryStore
	workDir string

	theme Theme

	width  int
	height int
	ready  bool

	planMode bool

	messages []chatMessage
	input    textarea.Model
	vp       viewport.Model

	running    bool
	queued     int
	streamBuf  strings.Builder
	spinnerPos int

	histEntries []string
	histIdx     int

	events chan tea.Msg
}

// New builds the chat model. The returned channel must be handed to the
// orchestrator's callbacks via Callbacks before the first Enqueue.
func New(orch *app.Orchestrator, history *app.HistoryStore, workDir string, planMode bool) *Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message. Enter sends, Tab toggles plan mode, Esc stops."
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetHeight(3)
	ta.Prompt = "▍ "
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()

	m := &Model{
		orch:     orch,
		history:  history,
		workDir:  workDir,
		theme:    NewTheme(),
		width:    100,
		height:   30,
		planMode: planMode,
		input:    ta,
		events:   make(chan tea.Msg, 256),
		histIdx:  -1,
	}
	if history != nil {
		if entries, err := history.Load(workDir); err == nil {
			m.histEntries = entries
		}
	}
	m.messages = append(m.messages, chatMessage{
		ID:        "welcome",
		Role:      "system",
		Content:   "tandem ready. Enter sends. Tab toggles plan mode. Esc stops a running turn. Ctrl+C quits.",
		Timestamp: time.Now(),
	})
	return m
}

// Callbacks returns the orchestrator callbacks that feed this model. Events
// are dropped rather than blocking the orchestrator if the UI lags.
func (m *Model) Callbacks() (onDelta func(string, app.StreamDelta), onNotice func(string), onReplaced func(*app.LiveSession)) {
	send := func(msg tea.Msg) {
		select {
		case m.events <- msg:
		default:
		}
	}
	onDelta = func(id string, d app.StreamDelta) { send(deltaMsg{messageID: id, d: d}) }
	onNotice = func(text string) { send(noticeMsg{text: text}) }
	onReplaced = func(live *app.LiveSession) { send(sessionReplacedMsg{live: live}) }
	return
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitEvent())
}

func (m *Model) waitEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg { return <-events }
}

func (m *Model) spinTick() tea.Cmd {
	return tea.Tick(90*time.Millisecond, func(time.Time) tea.Msg { return spinMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - m.input.Height() - 4
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.vp = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = m.width
			m.vp.Height = vpHeight
		}
		m.input.SetWidth(m.width - 4)
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.orch.Stop()
			return m, tea.Quit

		case tea.KeyEsc:
			if m.running {
				m.orch.Stop()
				m.running = false
				m.queued = 0
				m.flushStream()
				m.appendSystem("stopped.")
			}
			return m, nil

		case tea.KeyTab:
			m.planMode = !m.planMode
			return m, nil

		case tea.KeyEnter:
			return m, m.onEnter()

		case tea.KeyUp:
			if m.recallBack() {
				return m, nil
			}
		case tea.KeyDown:
			if m.recallForward() {
				return m, nil
			}
		}

	case deltaMsg:
		m.applyDelta(msg.d)
		return m, m.waitEvent()

	case noticeMsg:
		m.appendError(msg.text)
		return m, m.waitEvent()

	case sessionReplacedMsg:
		m.appendSystem("context compacted into a new session.")
		return m, m.waitEvent()

	case spinMsg:
		m.spinnerPos = (m.spinnerPos + 1) % len(spinnerFrames)
		if m.running && !m.orch.IsProcessing() {
			// Turn (and any backlog) drained.
			m.running = false
			m.queued = 0
			m.flushStream()
		}
		if m.running {
			return m, m.spinTick()
		}
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) onEnter() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()
	m.histIdx = -1
	if m.history != nil {
		_ = m.history.Append(m.workDir, text)
		m.histEntries = append(m.histEntries, text)
	}

	m.messages = append(m.messages, chatMessage{
		ID:        fmt.Sprintf("user-%d", time.Now().UnixNano()),
		Role:      "user",
		Content:   text,
		Timestamp: time.Now(),
	})

	wasRunning := m.running
	m.orch.Enqueue(text, nil, m.planMode)
	if wasRunning {
		m.queued++
		m.appendSystem(fmt.Sprintf("queued (%d waiting).", m.queued))
		return nil
	}
	m.running = true
	m.refreshViewport()
	return m.spinTick()
}

func (m *Model) applyDelta(d app.StreamDelta) {
	if d.Content != "" {
		m.streamBuf.WriteString(d.Content)
	}
	if d.Terminal() {
		m.flushStream()
		for _, tc := range d.ToolCalls {
			m.messages = append(m.messages, chatMessage{
				ID:        fmt.Sprintf("tool-%d", time.Now().UnixNano()),
				Role:      "tool",
				Content:   "⚙ " + tc.Name,
				Timestamp: time.Now(),
			})
		}
	}
	m.refreshViewport()
}

// flushStream turns the accumulated stream buffer into a finished assistant
// message.
func (m *Model) flushStream() {
	content := strings.TrimSpace(m.streamBuf.String())
	m.streamBuf.Reset()
	if content == "" {
		return
	}
	m.messages = append(m.messages, chatMessage{
		ID:        fmt.Sprintf("ai-%d", time.Now().UnixNano()),
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (m *Model) appendSystem(text string) {
	m.messages = append(m.messages, chatMessage{
		ID:        fmt.Sprintf("system-%d", time.Now().UnixNano()),
		Role:      "system",
		Content:   text,
		Timestamp: time.Now(),
	})
	m.refreshViewport()
}

func (m *Model) appendError(text string) {
	m.messages = append(m.messages, chatMessage{
		ID:        fmt.Sprintf("error-%d", time.Now().UnixNano()),
		Role:      "error",
		Content:   text,
		Timestamp: time.Now(),
	})
	m.refreshViewport()
}

// recallBack steps backwards through prompt history when the cursor is on an
// empty input or already recalling.
func (m *Model) recallBack() bool {
	if len(m.histEntries) == 0 {
		return false
	}
	if m.histIdx == -1 {
		if strings.TrimSpace(m.input.Value()) != "" {
			return false
		}
		m.histIdx = len(m.histEntries) - 1
	} else if m.histIdx > 0 {
		m.histIdx--
	}
	m.input.SetValue(m.histEntries[m.histIdx])
	m.input.CursorEnd()
	return true
}

func (m *Model) recallForward() bool {
	if m.histIdx == -1 {
		return false
	}
	m.histIdx++
	if m.histIdx >= len(m.histEntries) {
		m.histIdx = -1
		m.input.Reset()
		return true
	}
	m.input.SetValue(m.histEntries[m.histIdx])
	m.input.CursorEnd()
	return true
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	width := m.width - 2
	if width < 20 {
		width = 20
	}
	var b strings.Builder
	for _, msg := range m.messages {
		b.WriteString(m.renderMessage(msg, width))
		b.WriteString("\n\n")
	}
	if m.streamBuf.Len() > 0 {
		head := m.theme.RoleAI.Render("AI")
		body := lipgloss.NewStyle().Foreground(m.theme.TextPrimary).Width(width).Render(m.streamBuf.String())
		b.WriteString(head + "\n" + body + "\n")
	}
	m.vp.SetContent(strings.TrimRight(b.String(), "\n"))
	m.vp.GotoBottom()
}

func (m *Model) renderMessage(msg chatMessage, width int) string {
	var roleStyle lipgloss.Style
	label := "SYS"
	switch msg.Role {
	case "user":
		roleStyle = m.theme.RoleYou
		label = "YOU"
	case "assistant":
		roleStyle = m.theme.RoleAI
		label = "AI"
	case "error":
		roleStyle = m.theme.RoleErr
		label = "ERR"
	case "tool":
		return m.theme.ToolMarker.Render(msg.Content)
	default:
		roleStyle = m.theme.RoleSys
	}
	header := roleStyle.Render(label) + " " + m.theme.StatusBar.Render(msg.Timestamp.Format("15:04"))
	body := lipgloss.NewStyle().Foreground(m.theme.TextPrimary).Width(width).Render(msg.Content)
	return header + "\n" + body
}

func (m *Model) View() string {
	if !m.ready {
		return "…"
	}
	status := m.renderStatus()
	input := m.theme.InputBox.Width(m.width - 2).Render(m.input.View())
	return lipgloss.JoinVertical(lipgloss.Left, m.vp.View(), input, status)
}

func (m *Model) renderStatus() string {
	var parts []string
	if m.planMode {
		parts = append(parts, m.theme.PlanBadge.Render("PLAN"))
	} else {
		parts = append(parts, m.theme.ModeBadge.Render("ACTION"))
	}
	if m.running {
		parts = append(parts, m.theme.Spinner.Render(spinnerFrames[m.spinnerPos])+" working")
	}
	if m.queued > 0 {
		parts = append(parts, fmt.Sprintf("%d queued", m.queued))
	}

	st := m.orch.Status()
	usage := fmt.Sprintf("ctx %d%%", int(st.UsagePercent))
	switch {
	case st.IsFull:
		parts = append(parts, m.theme.UsageFull.Render(usage+" FULL"))
	case st.IsNearLimit:
		parts = append(parts, m.theme.UsageWarn.Render(usage))
	default:
		parts = append(parts, m.theme.UsageOK.Render(usage))
	}

	return m.theme.StatusBar.Render(strings.Join(parts, "  ·  "))
}
