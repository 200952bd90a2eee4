package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/mobileid-cli/wakeup"
)

// state represents what the command is doing right now.
type state int

const (
	stateInit    state = iota
	stateCalling       // request in flight
	stateWaking        // server unavailable, poller running
	stateStatus        // showing the session summary
	stateSuccess       // all done
	stateError         // fatal error
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

// maxStatusLines bounds the log shown below the main panel.
const maxStatusLines = 12

// Model is the BubbleTea model for the client TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	server   string
	inFlight string

	// Wakeup overlay
	wakePhase   wakeup.Phase
	wakeElapsed time.Duration
	// resume is the state to return to once the server is ready.
	resume      state

	info    SessionInfo
	summary string
	errMsg  string

	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOverlayBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
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
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
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

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Client messages ──────────────────────────────────────────────────────

	case MsgBanner:
		m.server = msg.Server
		return m, nil

	case MsgCredentialsLoaded:
		m.addStatus(statusOK, "Loaded credentials from "+msg.Source)
		return m, nil

	case MsgCredentialsMissing:
		m.addStatus(statusInfo, "No stored credentials")
		return m, nil

	case MsgWakeup:
		m.applyWakeup(msg.State)
		return m, nil

	case MsgAuthRejected:
		m.addStatus(statusWarn, "Access credential rejected by "+msg.Endpoint)
		return m, nil

	case MsgRefreshed:
		m.addStatus(statusOK, "Access credential refreshed")
		return m, nil

	case MsgRetrying:
		m.addStatus(statusInfo, "Retrying "+msg.Endpoint)
		return m, nil

	case MsgSignedOut:
		m.addStatus(statusWarn, "Session expired, please sign in again")
		return m, nil

	case MsgServerUnavailable:
		m.addStatus(statusWarn, "Server unavailable while calling "+msg.Endpoint)
		return m, nil

	case MsgCallStarted:
		m.inFlight = msg.Method + " " + msg.Endpoint
		if m.state != stateWaking {
			m.state = stateCalling
		}
		return m, nil

	case MsgCallOK:
		m.addStatus(statusOK, fmt.Sprintf("%s -> %d", msg.Endpoint, msg.Status))
		return m, nil

	case MsgCallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("%s failed: %v", msg.Endpoint, msg.Err))
		return m, nil

	case MsgStatus:
		m.info = msg.Info
		m.state = stateStatus
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		if m.state != stateStatus {
			m.state = stateSuccess
		}
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// applyWakeup shows the reconnecting overlay while the poller is busy and
// restores the previous view once it is done.
func (m *Model) applyWakeup(s wakeup.State) {
	prev := m.wakePhase
	m.wakePhase = s.Phase
	m.wakeElapsed = s.Elapsed

	switch {
	case s.Phase == wakeup.Waking && m.state != stateWaking:
		m.resume = m.state
		m.state = stateWaking
	case s.Phase == wakeup.Ready && prev != wakeup.Ready:
		if m.state == stateWaking {
			m.state = m.resume
		}
		m.addStatus(statusOK, "Server is ready")
	case s.Phase == wakeup.Idle && m.state == stateWaking:
		m.state = m.resume
	}
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateStatus:
		return tea.NewView(m.viewStatus())
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while initializing, calling and waking.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  MobileID API Client  "))
	b.WriteString("\n")
	if m.server != "" {
		b.WriteString(styleDim.Render("  " + m.server))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateWaking:
		b.WriteString(styleOverlayBox.Render("  Service unavailable, reconnecting  "))
		b.WriteString("\n\n")
		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for the server to start...  ")
		b.WriteString(styleDim.Render(formatDuration(m.wakeElapsed) + " elapsed"))
		b.WriteString("\n")

	case stateCalling:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.inFlight + "\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatus renders the stored-session summary.
func (m Model) viewStatus() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.info.SignedIn {
		b.WriteString(styleOK.Render("  ✓ Signed in"))
	} else {
		b.WriteString(styleWarn.Render("  ⚠ Not signed in"))
	}
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Server:       "))
	b.WriteString(m.info.Server + "\n")
	b.WriteString(styleBold.Render("Store:        "))
	b.WriteString(m.info.Store + "\n")

	if m.info.SignedIn {
		b.WriteString(styleBold.Render("Access:       "))
		b.WriteString(m.info.AccessPreview + "...\n")
		b.WriteString(styleBold.Render("Refresh:      "))
		b.WriteString(fmt.Sprintf("%t\n", m.info.HasRefresh))
		if !m.info.ExpiresAt.IsZero() {
			b.WriteString(styleBold.Render("Expires In:   "))
			b.WriteString(formatDuration(time.Until(m.info.ExpiresAt)) + "\n")
		}
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the command finished.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Done"))
	b.WriteString("\n\n")
	if m.summary != "" {
		b.WriteString(m.summary)
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Request failed"))
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

// addStatus appends a line to the status log, dropping the oldest past
// maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if over := len(m.statusLines) - maxStatusLines; over > 0 {
		m.statusLines = m.statusLines[over:]
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
