package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/justapithecus/skiff/types"
)

func TestProgressPrinter_PhasesAndSteps(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, true)

	p.Event(types.Event{Phase: types.PhaseCheckingForUpdate})
	p.Event(types.Event{Phase: types.PhaseDownloading, Version: "b1234", BytesTotal: 1000})
	for done := int64(10); done <= 1000; done += 10 {
		p.Event(types.Event{
			Phase:          types.PhaseDownloading,
			Version:        "b1234",
			Progress:       float64(done) / 1000,
			BytesDone:      done,
			BytesTotal:     1000,
			BytesPerSecond: 2048,
		})
	}
	p.Event(types.Event{Phase: types.PhaseReady, Version: "b1234", Progress: 1})
	p.Event(types.Event{Phase: types.PhaseIdle})

	out := buf.String()
	if !strings.Contains(out, "==> checking_for_update") {
		t.Errorf("missing checking line:\n%s", out)
	}
	if !strings.Contains(out, "==> downloading b1234") {
		t.Errorf("missing downloading line:\n%s", out)
	}
	if got := strings.Count(out, "%  "); got != 10 {
		t.Errorf("printed %d progress lines, want 10:\n%s", got, out)
	}
	if !strings.Contains(out, "2.0 KiB/s") {
		t.Errorf("missing rate:\n%s", out)
	}
	if !strings.Contains(out, "ready b1234 installed") {
		t.Errorf("missing ready line:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("noColor output contains escape codes:\n%s", out)
	}
}

func TestProgressPrinter_FailureAndWarning(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, true)

	p.Event(types.Event{Phase: types.PhaseInstalling, Warning: "chmod: game: no such file"})
	p.Event(types.Event{
		Phase:   types.PhaseFailed,
		Err:     errors.New("digest mismatch"),
		ErrKind: types.KindDigestMismatch,
	})

	out := buf.String()
	if !strings.Contains(out, "warning: chmod: game: no such file") {
		t.Errorf("missing warning:\n%s", out)
	}
	if !strings.Contains(out, "failed [digest_mismatch] digest mismatch") {
		t.Errorf("missing failure:\n%s", out)
	}
}
