package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the retry countdown.
type tickMsg time.Time

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateRequesting       // request in flight
	stateRefreshing       // renewing the access token
	stateBackoff          // waiting before the next refresh attempt
	stateSuccess          // all done
	stateExpired          // session cleared, login required
	stateError            // fatal error
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

// maxBodyPreview bounds how much of a response body the TUI renders.
const maxBodyPreview = 2000

// Model is the BubbleTea model for cookiecli commands.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Request in flight
	method string
	url    string

	// Refresh backoff countdown
	retryAt   time.Time
	remaining time.Duration

	// Success / error display
	status int
	body   string
	result string
	errMsg string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("172")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("172")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("172"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
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

	case tickMsg:
		if m.state != stateBackoff {
			return m, nil
		}
		m.remaining = max(time.Until(m.retryAt), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgRequesting:
		m.method = msg.Method
		m.url = msg.URL
		m.state = stateRequesting
		m.addStatus(statusInfo, msg.Method+" "+msg.URL)
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401)")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshRetry:
		m.state = stateBackoff
		m.retryAt = time.Now().Add(msg.Delay)
		m.remaining = msg.Delay
		m.addStatus(
			statusWarn,
			fmt.Sprintf("Refresh attempt %d failed: %v", msg.Attempt+1, msg.Err),
		)
		return m, tickAfterSecond()

	case MsgRefreshOK:
		m.state = stateRequesting
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRetryingRequest:
		m.state = stateRequesting
		m.addStatus(statusOK, "Retrying request with the new token...")
		return m, nil

	case MsgSessionExpired:
		m.state = stateExpired
		m.addStatus(statusWarn, "Session expired")
		return m, nil

	case MsgResponse:
		m.status = msg.Status
		m.body = msg.Body
		if m.state != stateExpired {
			m.state = stateSuccess
		}
		return m, nil

	case MsgImported:
		m.result = "Session saved to " + msg.Where
		m.state = stateSuccess
		return m, nil

	case MsgLoggedOut:
		m.result = "Logged out"
		m.state = stateSuccess
		return m, nil

	case MsgProfile:
		var b strings.Builder
		b.WriteString(styleBold.Render("Username:         ") + msg.Profile.Username + "\n")
		b.WriteString(styleBold.Render("User ID:          ") + msg.Profile.UserID + "\n")
		b.WriteString(styleBold.Render("Avatar:           ") + msg.Profile.Avatar + "\n")
		b.WriteString(styleBold.Render("Discord:          ") + msg.Profile.DiscordUsername + "\n")
		b.WriteString(styleBold.Render("Permission level: ") + msg.Profile.PermissionLevel + "\n")
		m.result = b.String()
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateExpired:
		return tea.NewView(m.viewExpired())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while a request or refresh is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  CookieCMS  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateRequesting:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.method + " " + m.url + "\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	case stateBackoff:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refresh failed, retrying  ")
		b.WriteString(styleDim.Render("in " + formatDuration(m.remaining)))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the command completed.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.status != 0 {
		style := styleOK
		if m.status >= 400 {
			style = styleWarn
		}
		b.WriteString(style.Render(fmt.Sprintf("  %d  %s %s", m.status, m.method, m.url)))
		b.WriteString("\n\n")
		b.WriteString(truncate(m.body, maxBodyPreview))
		b.WriteString("\n")
	} else {
		b.WriteString(styleOK.Render("  ✓ Done"))
		b.WriteString("\n\n")
		b.WriteString(m.result)
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewExpired is shown when the session could not be renewed.
func (m Model) viewExpired() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleWarn.Render("  ⚠ Your session has expired, please log in again"))
	b.WriteString("\n")
	if m.status != 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf("  last response: %d", m.status)))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
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

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys", "Xs" or "Xms".
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
