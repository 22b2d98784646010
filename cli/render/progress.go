package render

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/justapithecus/skiff/types"
)

var (
	phaseStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	doneStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
)

// ProgressPrinter writes update session events as plain lines, one per
// phase change and one per progress step.
type ProgressPrinter struct {
	out     io.Writer
	noColor bool
	// stepPct is the progress granularity for byte-level phases, in percent.
	stepPct int

	phase  types.Phase
	bucket int
}

// NewProgressPrinter creates a printer that reports every 10% of progress.
func NewProgressPrinter(out io.Writer, noColor bool) *ProgressPrinter {
	return &ProgressPrinter{out: out, noColor: noColor, stepPct: 10}
}

func (p *ProgressPrinter) style(s lipgloss.Style, text string) string {
	if p.noColor {
		return text
	}
	return s.Render(text)
}

// Event prints ev if it is a phase change, a warning, a failure, or
// crosses the next progress step.
func (p *ProgressPrinter) Event(ev types.Event) {
	if ev.Warning != "" {
		fmt.Fprintf(p.out, "%s %s\n", p.style(warningStyle, "warning:"), ev.Warning)
	}

	if ev.Phase != p.phase {
		p.phase = ev.Phase
		p.bucket = 0
		p.phaseLine(ev)
		return
	}

	if ev.BytesTotal <= 0 {
		return
	}
	bucket := int(ev.Progress*100+1e-6) / p.stepPct
	if bucket <= p.bucket {
		return
	}
	p.bucket = bucket
	line := fmt.Sprintf("    %3.0f%%  %s / %s", ev.Progress*100,
		humanize.IBytes(uint64(ev.BytesDone)), humanize.IBytes(uint64(ev.BytesTotal)))
	if ev.Phase == types.PhaseDownloading && ev.BytesPerSecond > 0 {
		line += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(ev.BytesPerSecond)))
	}
	fmt.Fprintln(p.out, line)
}

func (p *ProgressPrinter) phaseLine(ev types.Event) {
	switch ev.Phase {
	case types.PhaseIdle:
		return
	case types.PhaseFailed:
		msg := "update failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		fmt.Fprintf(p.out, "%s [%s] %s\n", p.style(failStyle, "failed"), ev.ErrKind, msg)
	case types.PhaseReady:
		fmt.Fprintf(p.out, "%s %s installed\n", p.style(doneStyle, "ready"), ev.Version)
	case types.PhaseUpToDate:
		fmt.Fprintf(p.out, "%s %s is current\n", p.style(doneStyle, "up to date"), ev.Version)
	default:
		label := string(ev.Phase)
		if ev.Version != "" {
			label += " " + ev.Version
		}
		fmt.Fprintf(p.out, "%s %s\n", p.style(phaseStyle, "==>"), label)
	}
}
