package install

import (
	"os"
	"testing"
	"time"

	"github.com/justapithecus/skiff/types"
)

// stageVersion performs steps 1-3a of an install: extraction into staging/
// and the pending record, stopping before any rename.
func stageVersion(t *testing.T, i *Installer, version string) {
	t.Helper()
	l := i.Layout()
	if err := os.MkdirAll(l.Staging(), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Extract(t.Context(), versionArchive(t, version), l.Staging()); err != nil {
		t.Fatal(err)
	}
	pending := &types.InstallationRecord{Version: version, Channel: "nightly", InstalledAt: time.Now().UTC()}
	if prev, _ := i.Record(); prev != nil {
		pending.PreviousVersion = prev.Version
	}
	if err := writeRecord(l.Pending(), pending); err != nil {
		t.Fatal(err)
	}
}

func mustRename(t *testing.T, from, to string) {
	t.Helper()
	if err := os.Rename(from, to); err != nil {
		t.Fatal(err)
	}
}

func assertInstalled(t *testing.T, i *Installer, version string) {
	t.Helper()
	if got := liveVersion(t, i.Layout().Current()); got != version {
		t.Errorf("current/ holds %q, want %q", got, version)
	}
	rec, err := i.Record()
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec == nil || rec.Version != version {
		t.Errorf("record = %+v, want version %q", rec, version)
	}
}

func TestRecover_SwapCrashPoints(t *testing.T) {
	tests := []struct {
		name string
		// crash leaves the layout at a point inside the swap.
		crash func(t *testing.T, l Layout)
		want  RecoveryAction
	}{
		{
			name:  "before current moved aside",
			crash: func(*testing.T, Layout) {},
			want:  RecoveryCompletedSwap,
		},
		{
			name: "between current aside and staging in place",
			crash: func(t *testing.T, l Layout) {
				mustRename(t, l.Current(), l.Previous())
			},
			want: RecoveryCompletedSwap,
		},
		{
			name: "after staging in place, before record commit",
			crash: func(t *testing.T, l Layout) {
				mustRename(t, l.Current(), l.Previous())
				mustRename(t, l.Staging(), l.Current())
			},
			want: RecoveryCompletedSwap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := newTestInstaller(t, Config{})
			installVersion(t, i, "b1233")
			l := i.Layout()
			if err := os.RemoveAll(l.Previous()); err != nil {
				t.Fatal(err)
			}

			stageVersion(t, i, "b1234")
			tt.crash(t, l)

			action, err := i.Recover()
			if err != nil {
				t.Fatalf("Recover failed: %v", err)
			}
			if action != tt.want {
				t.Errorf("action = %q, want %q", action, tt.want)
			}
			assertInstalled(t, i, "b1234")
			if got := liveVersion(t, l.Previous()); got != "b1233" {
				t.Errorf("previous/ holds %q", got)
			}
			if exists(l.Pending()) || exists(l.Staging()) {
				t.Error("pending record or staging left behind")
			}

			again, err := i.Recover()
			if err != nil || again != RecoveryNone {
				t.Errorf("second Recover = %q, %v; want none", again, err)
			}
		})
	}
}

func TestRecover_IncompleteExtraction(t *testing.T) {
	i := newTestInstaller(t, Config{})
	installVersion(t, i, "b1233")
	l := i.Layout()

	if err := os.MkdirAll(l.Staging(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.Staging()+"/half-written", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	action, err := i.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if action != RecoveryDiscardedStaging {
		t.Errorf("action = %q", action)
	}
	assertInstalled(t, i, "b1233")
	if exists(l.Staging()) {
		t.Error("incomplete staging/ not removed")
	}
}

func TestRecover_InterruptedRollback(t *testing.T) {
	tests := []struct {
		name string
		// crash replays Rollback up to a crash point after its record was written.
		crash func(t *testing.T, i *Installer, next *types.InstallationRecord)
	}{
		{
			name:  "before any rename",
			crash: func(*testing.T, *Installer, *types.InstallationRecord) {},
		},
		{
			name: "current moved aside",
			crash: func(t *testing.T, i *Installer, _ *types.InstallationRecord) {
				l := i.Layout()
				mustRename(t, l.Current(), l.rollbackAside())
			},
		},
		{
			name: "previous in place",
			crash: func(t *testing.T, i *Installer, _ *types.InstallationRecord) {
				l := i.Layout()
				mustRename(t, l.Current(), l.rollbackAside())
				mustRename(t, l.Previous(), l.Current())
			},
		},
		{
			name: "record committed",
			crash: func(t *testing.T, i *Installer, next *types.InstallationRecord) {
				l := i.Layout()
				mustRename(t, l.Current(), l.rollbackAside())
				mustRename(t, l.Previous(), l.Current())
				if err := writeRecord(l.Record(), next); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "renames done, rollback record left",
			crash: func(t *testing.T, i *Installer, next *types.InstallationRecord) {
				l := i.Layout()
				mustRename(t, l.Current(), l.rollbackAside())
				mustRename(t, l.Previous(), l.Current())
				if err := writeRecord(l.Record(), next); err != nil {
					t.Fatal(err)
				}
				mustRename(t, l.rollbackAside(), l.Previous())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := newTestInstaller(t, Config{})
			installVersion(t, i, "b1")
			installVersion(t, i, "b2")
			l := i.Layout()

			rec, err := i.Record()
			if err != nil {
				t.Fatal(err)
			}
			next := i.flipped(rec)
			if err := writeRecord(l.RollbackPending(), next); err != nil {
				t.Fatal(err)
			}
			tt.crash(t, i, next)

			action, err := i.Recover()
			if err != nil {
				t.Fatalf("Recover failed: %v", err)
			}
			if action != RecoveryCompletedRollback {
				t.Errorf("action = %q", action)
			}
			assertInstalled(t, i, "b1")
			if got := liveVersion(t, l.Previous()); got != "b2" {
				t.Errorf("previous/ holds %q", got)
			}
			if got, _ := i.Record(); got == nil || got.PreviousVersion != "b2" {
				t.Errorf("record = %+v, want previous version b2", got)
			}
			if exists(l.RollbackPending()) || exists(l.rollbackAside()) {
				t.Error("rollback record or rollback.tmp left behind")
			}

			again, err := i.Recover()
			if err != nil || again != RecoveryNone {
				t.Errorf("second Recover = %q, %v; want none", again, err)
			}
			assertInstalled(t, i, "b1")
		})
	}
}

func TestRecover_RollbackAsideWithoutRecord(t *testing.T) {
	i := newTestInstaller(t, Config{})
	installVersion(t, i, "b1")
	installVersion(t, i, "b2")
	l := i.Layout()

	mustRename(t, l.Current(), l.rollbackAside())

	action, err := i.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if action != RecoveryCompletedRollback {
		t.Errorf("action = %q", action)
	}
	assertInstalled(t, i, "b1")
	if got := liveVersion(t, l.Previous()); got != "b2" {
		t.Errorf("previous/ holds %q", got)
	}
}

func TestRecover_MissingCurrentRestoresPrevious(t *testing.T) {
	i := newTestInstaller(t, Config{})
	installVersion(t, i, "b1")
	installVersion(t, i, "b2")
	l := i.Layout()

	if err := os.RemoveAll(l.Current()); err != nil {
		t.Fatal(err)
	}

	action, err := i.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if action != RecoveryRestoredPrevious {
		t.Errorf("action = %q", action)
	}
	assertInstalled(t, i, "b1")
}

func TestRecover_CleanLayout(t *testing.T) {
	i := newTestInstaller(t, Config{})
	action, err := i.Recover()
	if err != nil || action != RecoveryNone {
		t.Fatalf("Recover on empty root = %q, %v", action, err)
	}
}
