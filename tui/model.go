package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

const (
	// typingTimeout clears a remote typing indicator and ends local typing
	// after this much silence.
	typingTimeout = 2 * time.Second

	maxThreadLines = 500
	maxStatusLines = 5
	maxInputRunes  = 1000
)

// typingExpiredMsg clears the remote typing indicator unless a newer typing
// frame arrived since.
type typingExpiredMsg struct{ seq int }

// localIdleMsg ends local typing unless a key was pressed since.
type localIdleMsg struct{ seq int }

// state represents the connection phase shown in the header.
type state int

const (
	stateConnecting   state = iota
	stateConnected          // socket up
	stateReconnecting       // socket dropped, waiting to redial
	stateDisconnected       // socket closed for good
	stateError              // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for an interactive room session.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	room string
	user string

	lines []Line
	input []rune

	typingUser string
	typingSeq  int

	localTyping bool
	localSeq    int

	errMsg string

	// Scrolling status log shown below the thread
	statusLines []statusLine

	onSubmit func(text string) error
	onTyping func(typing bool) error
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold   = lipgloss.NewStyle().Bold(true)
	styleOwn    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	styleSender = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("228"))
)

// NewModel creates the room model. onSubmit sends a message; onTyping
// announces typing state. Either may be nil.
func NewModel(room, user string, onSubmit func(string) error, onTyping func(bool) error) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:    stateConnecting,
		spinner:  s,
		room:     room,
		user:     user,
		onSubmit: onSubmit,
		onTyping: onTyping,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case typingExpiredMsg:
		if msg.seq == m.typingSeq {
			m.typingUser = ""
		}
		return m, nil

	case localIdleMsg:
		if msg.seq == m.localSeq && m.localTyping {
			m.localTyping = false
			return m, m.typingCmd(false)
		}
		return m, nil

	// ── Session and socket messages ─────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionRestored:
		m.user = displayName(msg.User)
		m.addStatus(statusOK, "Signed in as "+m.user)
		return m, nil

	case MsgSessionMissing:
		m.addStatus(statusWarn, "No stored session")
		return m, nil

	case MsgLoggedIn:
		m.user = displayName(msg.User)
		m.addStatus(statusOK, "Logged in as "+m.user)
		return m, nil

	case MsgLoggedOut:
		m.state = stateDisconnected
		m.addStatus(statusWarn, "Session ended, please log in again")
		return m, nil

	case MsgRefreshing:
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgConnected:
		m.state = stateConnected
		m.addStatus(statusOK, "Connected to #"+msg.Room)
		return m, nil

	case MsgReconnecting:
		m.state = stateReconnecting
		m.addStatus(
			statusWarn,
			fmt.Sprintf("Connection lost, retrying in %s (attempt %d)", formatDuration(msg.Delay), msg.Attempt),
		)
		return m, nil

	case MsgDisconnected:
		m.state = stateDisconnected
		if msg.Err != nil {
			m.addStatus(statusWarn, fmt.Sprintf("Disconnected: %v", msg.Err))
		}
		return m, nil

	case MsgHistory:
		m.lines = append(append([]Line(nil), msg.Lines...), m.lines...)
		m.trimThread()
		return m, nil

	case MsgMessageReceived:
		m.lines = append(m.lines, msg.Line)
		m.trimThread()
		if msg.Line.Sender == m.typingUser {
			m.typingUser = ""
		}
		return m, nil

	case MsgTyping:
		if msg.Typing {
			m.typingUser = msg.User
			m.typingSeq++
			seq := m.typingSeq
			return m, tea.Tick(typingTimeout, func(time.Time) tea.Msg {
				return typingExpiredMsg{seq: seq}
			})
		}
		if msg.User == m.typingUser {
			m.typingUser = ""
		}
		return m, nil

	case MsgPresence:
		if msg.Joined {
			m.addStatus(statusInfo, msg.User+" joined")
		} else {
			m.addStatus(statusInfo, msg.User+" left")
		}
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "enter":
		text := strings.TrimSpace(string(m.input))
		if text == "" {
			return m, nil
		}
		m.input = nil
		cmds := []tea.Cmd{m.submitCmd(text)}
		if m.localTyping {
			m.localTyping = false
			m.localSeq++
			cmds = append(cmds, m.typingCmd(false))
		}
		return m, tea.Batch(cmds...)

	case "backspace":
		if n := len(m.input); n > 0 {
			m.input = m.input[:n-1]
		}
		return m, nil
	}

	if msg.Text == "" || len(m.input)+len([]rune(msg.Text)) > maxInputRunes {
		return m, nil
	}
	m.input = append(m.input, []rune(msg.Text)...)

	var cmds []tea.Cmd
	if !m.localTyping {
		m.localTyping = true
		cmds = append(cmds, m.typingCmd(true))
	}
	m.localSeq++
	seq := m.localSeq
	cmds = append(cmds, tea.Tick(typingTimeout, func(time.Time) tea.Msg {
		return localIdleMsg{seq: seq}
	}))
	return m, tea.Batch(cmds...)
}

func (m Model) submitCmd(text string) tea.Cmd {
	if m.onSubmit == nil {
		return nil
	}
	submit := m.onSubmit
	return func() tea.Msg {
		if err := submit(text); err != nil {
			return MsgAPICallFailed{Err: err}
		}
		return nil
	}
}

func (m Model) typingCmd(typing bool) tea.Cmd {
	if m.onTyping == nil {
		return nil
	}
	notify := m.onTyping
	return func() tea.Msg {
		// Typing notices are best effort.
		_ = notify(typing)
		return nil
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	if m.state == stateError {
		return tea.NewView(m.viewError())
	}
	return tea.NewView(m.viewMain())
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	title := "  #" + m.room + "  "
	if m.user != "" {
		title += "·  " + m.user + "  "
	}
	b.WriteString(styleTitleBox.Render(title))
	b.WriteString("\n\n")

	switch m.state {
	case stateConnecting:
		b.WriteString(m.spinner.View())
		b.WriteString(" Connecting...\n")
	case stateReconnecting:
		b.WriteString(m.spinner.View())
		b.WriteString(" Reconnecting...\n")
	case stateDisconnected:
		b.WriteString(styleErr.Render("  ✗ Disconnected"))
		b.WriteString("\n")
	default:
		b.WriteString(styleOK.Render("  ● Connected"))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(m.viewThread())

	if m.typingUser != "" {
		b.WriteString(styleDim.Render("  " + m.typingUser + " is typing..."))
	}
	b.WriteString("\n")

	b.WriteString(styleBold.Render("> "))
	b.WriteString(string(m.input))
	b.WriteString("█\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewThread renders as many recent lines as fit the window.
func (m Model) viewThread() string {
	lines := m.lines
	if limit := m.height - 10 - maxStatusLines; m.height > 0 && limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	if len(lines) == 0 {
		return styleDim.Render("  No messages yet.") + "\n"
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(styleDim.Render("  " + formatClock(l.At) + " "))
		if l.Own {
			b.WriteString(styleOwn.Render(l.Sender))
		} else {
			b.WriteString(styleSender.Render(l.Sender))
		}
		b.WriteString(": ")
		b.WriteString(l.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Chat session failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, keeping the most recent few.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}

func (m *Model) trimThread() {
	if n := len(m.lines); n > maxThreadLines {
		m.lines = m.lines[n-maxThreadLines:]
	}
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
