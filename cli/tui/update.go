package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/justapithecus/skiff/types"
)

// steps are the phases listed in the view, in session order.
var steps = []types.Phase{
	types.PhaseCheckingForUpdate,
	types.PhaseDownloading,
	types.PhaseVerifying,
	types.PhaseInstalling,
	types.PhaseReady,
}

var stepLabels = map[types.Phase]string{
	types.PhaseCheckingForUpdate: "Checking",
	types.PhaseDownloading:       "Downloading",
	types.PhaseVerifying:         "Verifying",
	types.PhaseInstalling:        "Installing",
	types.PhaseReady:             "Ready",
}

// eventMsg carries one session event into the model.
type eventMsg types.Event

// streamClosedMsg reports that the session event stream ended.
type streamClosedMsg struct{}

func waitForEvent(events <-chan types.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// UpdateModel is a Bubble Tea model for a running update session.
type UpdateModel struct {
	channel string
	events  <-chan types.Event
	cancel  func()
	bar     progress.Model

	phase    types.Phase
	reached  map[types.Phase]bool
	version  string
	fraction float64
	done     int64
	total    int64
	rate     float64
	warnings []string
	errText  string
	errKind  types.ErrorKind
	final    types.Phase

	canceling bool
	finished  bool
}

// NewUpdateModel creates a model reading events until the stream closes.
// cancel is called when the user quits before the session ends.
func NewUpdateModel(channel string, events <-chan types.Event, cancel func()) UpdateModel {
	return UpdateModel{
		channel: channel,
		events:  events,
		cancel:  cancel,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		reached: make(map[types.Phase]bool),
	}
}

// Init implements tea.Model.
func (m UpdateModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// Update implements tea.Model.
func (m UpdateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-20, 10), 60)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			if m.finished {
				return m, tea.Quit
			}
			if !m.canceling && m.cancel != nil {
				m.canceling = true
				m.cancel()
			}
		}
		return m, nil

	case eventMsg:
		m.apply(types.Event(msg))
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.finished = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *UpdateModel) apply(ev types.Event) {
	if ev.Warning != "" {
		m.warnings = append(m.warnings, ev.Warning)
	}
	if ev.Version != "" {
		m.version = ev.Version
	}
	switch ev.Phase {
	case types.PhaseIdle:
		return
	case types.PhaseFailed:
		m.final = types.PhaseFailed
		m.errKind = ev.ErrKind
		if ev.Err != nil {
			m.errText = ev.Err.Error()
		}
		return
	case types.PhaseUpToDate, types.PhaseReady:
		m.final = ev.Phase
	}
	if ev.Phase != m.phase {
		m.fraction, m.done, m.total, m.rate = 0, 0, 0, 0
	}
	m.phase = ev.Phase
	m.reached[ev.Phase] = true
	m.fraction = ev.Progress
	m.done, m.total = ev.BytesDone, ev.BytesTotal
	if ev.BytesPerSecond > 0 {
		m.rate = ev.BytesPerSecond
	}
}

// Final returns the terminal phase observed, or "" if none was.
func (m UpdateModel) Final() types.Phase {
	return m.final
}

// View implements tea.Model.
func (m UpdateModel) View() string {
	var b strings.Builder
	title := "Updating " + m.channel
	if m.version != "" {
		title += " to " + m.version
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n")

	for _, step := range steps {
		b.WriteString(m.stepLine(step))
		b.WriteString("\n")
	}

	if m.phase == types.PhaseDownloading || m.phase == types.PhaseVerifying {
		b.WriteString("\n")
		b.WriteString(m.bar.ViewAs(m.fraction))
		b.WriteString("\n")
		if m.total > 0 {
			line := fmt.Sprintf("%s / %s", humanize.IBytes(uint64(m.done)), humanize.IBytes(uint64(m.total)))
			if m.phase == types.PhaseDownloading && m.rate > 0 {
				line += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(m.rate)))
			}
			b.WriteString(LabelStyle.Render("transfer") + ValueStyle.Render(line))
			b.WriteString("\n")
		}
	}

	for _, w := range m.warnings {
		b.WriteString(WarningStyle.Render("warning: " + w))
		b.WriteString("\n")
	}

	if m.final == types.PhaseFailed {
		msg := m.errText
		if msg == "" {
			msg = "update failed"
		}
		b.WriteString(ErrorBoxStyle.Render(fmt.Sprintf("%s\n%s", ErrorStyle.Render(string(m.errKind)), msg)))
		b.WriteString("\n")
	}

	switch {
	case m.finished:
		b.WriteString(HelpStyle.Render("Press q to exit"))
	case m.canceling:
		b.WriteString(HelpStyle.Render("Canceling..."))
	default:
		b.WriteString(HelpStyle.Render("Press q or Ctrl+C to cancel"))
	}
	return b.String()
}

func (m UpdateModel) stepLine(step types.Phase) string {
	label := stepLabels[step]
	if step == types.PhaseReady && m.final == types.PhaseUpToDate {
		return SuccessStyle.Render("  ✓ Up to date")
	}
	switch {
	case step == m.phase && m.final == "":
		pct := ""
		if m.fraction > 0 {
			pct = fmt.Sprintf(" %3.0f%%", m.fraction*100)
		}
		return PhaseStyle(step).Render("  › " + label + pct)
	case m.reached[step] && step != m.phase:
		return SuccessStyle.Render("  ✓ " + label)
	case step == m.phase && m.final == step:
		return SuccessStyle.Render("  ✓ " + label)
	case step == m.phase && m.final == types.PhaseFailed:
		return ErrorStyle.Render("  ✗ " + label)
	default:
		return PendingStyle.Render("    " + label)
	}
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "cancel"),
	),
}

// Run shows the update view until the event stream closes. Quitting early
// calls cancel and waits for the session's final event.
// Returns the terminal phase observed.
func Run(channel string, events <-chan types.Event, cancel func()) (types.Phase, error) {
	model := NewUpdateModel(channel, events, cancel)
	p := tea.NewProgram(model)
	out, err := p.Run()
	if m, ok := out.(UpdateModel); ok {
		return m.Final(), err
	}
	return "", err
}
