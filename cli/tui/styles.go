// Package tui provides the Bubble Tea progress view for skiff update.
//
// TUI rules:
//   - TUI is opt-in only (--tui flag)
//   - TUI shows the same session events as the plain progress lines
//   - Quitting the view cancels the session; it never leaves it running
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/skiff/types"
)

var (
	accentColor = lipgloss.Color("#0EA5E9")
	okColor     = lipgloss.Color("#22C55E")
	busyColor   = lipgloss.Color("#EAB308")
	badColor    = lipgloss.Color("#DC2626")
	dimColor    = lipgloss.Color("#71717A")
)

// Styles shared by the update view.
var (
	TitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(accentColor).MarginBottom(1)
	LabelStyle    = lipgloss.NewStyle().Foreground(dimColor).Width(10)
	ValueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4F4F5"))
	SuccessStyle  = lipgloss.NewStyle().Foreground(okColor)
	WarningStyle  = lipgloss.NewStyle().Foreground(busyColor)
	ErrorStyle    = lipgloss.NewStyle().Bold(true).Foreground(badColor)
	PendingStyle  = lipgloss.NewStyle().Foreground(dimColor)
	HelpStyle     = lipgloss.NewStyle().Foreground(dimColor).Italic(true).MarginTop(1)
	ErrorBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, true).
			BorderForeground(badColor).
			PaddingLeft(1).
			MarginTop(1)
)

// PhaseStyle maps a session phase to its color: settled phases are green,
// active ones amber, failure red.
func PhaseStyle(phase types.Phase) lipgloss.Style {
	switch phase {
	case types.PhaseReady, types.PhaseUpToDate, types.PhaseIdle:
		return SuccessStyle
	case types.PhaseFailed:
		return ErrorStyle
	case types.PhaseCheckingForUpdate, types.PhaseDownloading, types.PhaseVerifying, types.PhaseInstalling:
		return WarningStyle
	}
	return ValueStyle
}
