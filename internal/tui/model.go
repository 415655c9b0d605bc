package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chadiek/shifra/internal/agent"
)

const maxLines = 200

// Session is the part of an assistant session the UI drives.
type Session interface {
	Begin(ctx context.Context) error
	Stop(ctx context.Context) error
	State() agent.State
}

// Typist delivers typed lines as recognized speech.
type Typist interface {
	Type(line string) bool
}

// Messages posted into the program by the devices and the coordinator.
type (
	StateMsg     agent.State
	SpokenMsg    string
	HeardMsg     string
	OpenedMsg    string
	ListeningMsg bool

	typedMsg struct {
		text string
		ok   bool
	}
	errMsg struct{ err error }
)

type role int

const (
	roleUser role = iota
	roleAssistant
	roleSystem
	roleError
)

type line struct {
	role role
	text string
}

// Model is the terminal UI state.
type Model struct {
	ctx    context.Context
	sess   Session
	typist Typist

	input     textinput.Model
	state     agent.State
	listening bool
	lines     []line
	width     int

	styles Styles
}

func NewModel(ctx context.Context, sess Session, typist Typist) Model {
	ti := textinput.New()
	ti.Placeholder = "Enter to talk, then type what you would say"
	ti.CharLimit = 512
	ti.Focus()
	return Model{
		ctx:    ctx,
		sess:   sess,
		typist: typist,
		input:  ti,
		state:  sess.State(),
		width:  80,
		styles: DefaultStyles(),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			return m, m.stop()
		case tea.KeyEnter:
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = max(10, msg.Width-4)

	case StateMsg:
		m.state = agent.State(msg)
		m.listening = m.state.MicActive

	case ListeningMsg:
		m.listening = bool(msg)

	case SpokenMsg:
		m.add(roleAssistant, string(msg))

	case HeardMsg:
		m.add(roleUser, string(msg))

	case OpenedMsg:
		m.add(roleSystem, "opened "+string(msg))

	case typedMsg:
		if !msg.ok {
			m.add(roleSystem, "not listening; press Enter on an empty line to start")
		}

	case errMsg:
		m.add(roleError, msg.err.Error())
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit begins a turn on an empty line and otherwise types the line.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if text == "" {
		if m.state.Phase != agent.Idle {
			return m, nil
		}
		return m, m.begin()
	}
	typist := m.typist
	return m, func() tea.Msg {
		return typedMsg{text: text, ok: typist.Type(text)}
	}
}

// Device and session calls run as commands: display callbacks fire with
// the device lock held, so Update must never call into the devices.
func (m Model) begin() tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		if err := sess.Begin(ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m Model) stop() tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		if err := sess.Stop(ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m *Model) add(r role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	m.lines = append(m.lines, line{role: r, text: text})
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Shifra"))
	b.WriteString("  ")
	if m.listening {
		b.WriteString(m.styles.Listening.Render("● " + m.state.Phase.String()))
	} else {
		b.WriteString(m.styles.Phase.Render(m.state.Phase.String()))
	}
	if m.state.HasPendingReply {
		b.WriteString(m.styles.System.Render("  reply"))
	}
	b.WriteString("\n")
	if m.state.Status != "" {
		b.WriteString(m.styles.Status.Render(m.state.Status))
	}
	b.WriteString("\n\n")

	start := 0
	if len(m.lines) > 12 {
		start = len(m.lines) - 12
	}
	for _, l := range m.lines[start:] {
		b.WriteString(m.render(l))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.styles.Help.Render("enter: talk / send • esc: stop • ctrl+c: quit"))
	return b.String()
}

func (m Model) render(l line) string {
	switch l.role {
	case roleUser:
		return m.styles.User.Render("you  › " + l.text)
	case roleAssistant:
		return m.styles.Assistant.Render("shifra › " + l.text)
	case roleError:
		return m.styles.Error.Render("error: " + l.text)
	}
	return m.styles.System.Render("· " + l.text)
}
