package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/types"
)

// DefaultPreserve lists user data carried from the old installation into the new one.
var DefaultPreserve = []string{"userdata", "screenshots", "maps"}

// Config configures an Installer.
type Config struct {
	// Root is the install root holding current/, previous/ and staging/.
	Root string
	// ExpectedEntries are top-level names that must exist after extraction.
	// Empty means only non-emptiness is checked.
	ExpectedEntries []string
	// Preserve are top-level paths carried from current/ into each new installation.
	Preserve []string
	// Hook runs after a successful swap. Nil means NoopHook.
	Hook PostInstallHook
	// Logger receives install diagnostics. Nil disables logging.
	Logger *log.Logger
	// Now overrides the clock used for InstalledAt.
	Now func() time.Time
}

// Installer performs the extraction and atomic swap.
// Install, Recover and Rollback are serialized per Installer.
type Installer struct {
	mu       sync.Mutex
	layout   Layout
	expected []string
	preserve []string
	hook     PostInstallHook
	logger   *log.Logger
	now      func() time.Time
	rename   func(oldpath, newpath string) error
}

// Result is the outcome of a successful install.
type Result struct {
	Record *types.InstallationRecord
	// Entries is the number of archive entries extracted.
	Entries int
	// Warnings are non-fatal post-install hook messages.
	Warnings []string
}

// New creates an Installer.
func New(cfg Config) *Installer {
	i := &Installer{
		layout:   Layout{Root: cfg.Root},
		expected: cfg.ExpectedEntries,
		preserve: cfg.Preserve,
		hook:     cfg.Hook,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if i.hook == nil {
		i.hook = NoopHook{}
	}
	if i.now == nil {
		i.now = time.Now
	}
	i.rename = os.Rename
	return i
}

// Layout returns the paths managed by this installer.
func (i *Installer) Layout() Layout {
	return i.layout
}

// Record returns the current installation record, or nil if nothing is installed.
func (i *Installer) Record() (*types.InstallationRecord, error) {
	return readRecord(i.layout.Record())
}

// Install extracts a verified archive and swaps it in as current/.
//
// Steps:
//  1. extract into a fresh staging/
//  2. check staging/ is non-empty and holds the expected entries
//  3. write install.record.pending, carry preserved user data into staging/
//  4. move current/ to previous/ (replacing it), move staging/ to current/
//  5. commit install.record, then run the post-install hook
//
// Extraction honors ctx between entries. Once step 3 begins the swap
// runs to completion regardless of ctx. If staging/ cannot be moved into
// current/, the old build is moved back before the error is returned.
func (i *Installer) Install(ctx context.Context, archivePath string, m *types.VersionManifest) (*Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	l := i.layout
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return nil, types.ClassifyFS("install", l.Root, err)
	}

	// Staging is ours alone; anything left over is from an aborted attempt.
	if err := os.RemoveAll(l.Staging()); err != nil {
		return nil, types.ClassifyFS("install", l.Staging(), err)
	}
	if err := iox.RemoveIfExists(l.Pending()); err != nil {
		return nil, types.ClassifyFS("install", l.Pending(), err)
	}
	if err := os.MkdirAll(l.Staging(), 0o755); err != nil {
		return nil, types.ClassifyFS("install", l.Staging(), err)
	}

	i.logger.Info("extracting archive", map[string]any{
		"archive": archivePath,
		"format":  describeFormat(archivePath),
		"version": m.Version,
	})
	entries, err := Extract(ctx, archivePath, l.Staging())
	if err == nil {
		err = i.checkStaging()
	}
	if err != nil {
		i.discardStaging()
		return nil, err
	}

	prev, err := i.Record()
	if err != nil {
		i.discardStaging()
		return nil, err
	}
	rec := &types.InstallationRecord{
		Version:     m.Version,
		Channel:     m.Channel.Name,
		Digest:      m.Digest,
		InstalledAt: i.now().UTC(),
	}
	if prev != nil {
		rec.PreviousVersion = prev.Version
	}
	if exists(l.Current()) {
		rec.PreviousPath = l.Previous()
	}

	if err := writeRecord(l.Pending(), rec); err != nil {
		i.discardStaging()
		return nil, err
	}
	if err := i.swap(rec); err != nil {
		return nil, err
	}

	i.logger.Info("installation swapped in", map[string]any{
		"version":  rec.Version,
		"previous": rec.PreviousVersion,
		"entries":  entries,
	})

	res := &Result{Record: rec, Entries: entries}
	if err := i.hook.Run(ctx, l.Current()); err != nil {
		msg := fmt.Sprintf("post-install hook %s: %v", i.hook.Name(), err)
		i.logger.Warn("post-install hook failed", map[string]any{
			"hook":  i.hook.Name(),
			"error": err.Error(),
		})
		res.Warnings = append(res.Warnings, msg)
	}
	return res, nil
}

// checkStaging guards against truncated or empty archives.
func (i *Installer) checkStaging() error {
	staging := i.layout.Staging()
	if !nonEmptyDir(staging) {
		return types.Errorf(types.ErrExtraction, "install", "archive produced an empty installation")
	}
	var missing []string
	for _, name := range i.expected {
		if !exists(filepath.Join(staging, filepath.FromSlash(name))) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return types.Errorf(types.ErrExtraction, "install", "archive is missing expected entries %v", missing)
	}
	return nil
}

func (i *Installer) discardStaging() {
	if err := os.RemoveAll(i.layout.Staging()); err != nil {
		i.logger.Warn("failed to remove staging directory", map[string]any{
			"path":  i.layout.Staging(),
			"error": err.Error(),
		})
	}
}

// swap performs steps 3b-5 against a pending record. It is idempotent so
// recovery can re-enter it at any point.
func (i *Installer) swap(rec *types.InstallationRecord) error {
	l := i.layout

	if exists(l.Staging()) {
		moved := false
		if exists(l.Current()) {
			if err := i.carryPreserved(l.Current(), l.Staging()); err != nil {
				return err
			}
			if err := os.RemoveAll(l.Previous()); err != nil {
				return types.ClassifyFS("swap", l.Previous(), err)
			}
			if err := i.rename(l.Current(), l.Previous()); err != nil {
				return types.ClassifyFS("swap", l.Current(), err)
			}
			moved = true
		}
		if err := i.rename(l.Staging(), l.Current()); err != nil {
			if moved {
				i.unswap()
			}
			return types.ClassifyFS("swap", l.Staging(), err)
		}
		if err := iox.SyncDir(l.Root); err != nil {
			return types.ClassifyFS("swap", l.Root, err)
		}
	}

	if err := writeRecord(l.Record(), rec); err != nil {
		return err
	}
	return types.ClassifyFS("swap", l.Pending(), iox.RemoveIfExists(l.Pending()))
}

// unswap undoes a swap whose staging/ rename failed after current/ had
// been moved to previous/ by the same call. Anything it cannot undo is
// left with the pending record for Recover to roll forward.
func (i *Installer) unswap() {
	l := i.layout
	if err := i.rename(l.Previous(), l.Current()); err != nil {
		i.logger.Error("failed to restore current directory", map[string]any{
			"path":  l.Current(),
			"error": err.Error(),
		})
		return
	}
	if err := i.carryPreserved(l.Staging(), l.Current()); err != nil {
		i.logger.Error("failed to restore preserved paths", map[string]any{
			"path":  l.Current(),
			"error": err.Error(),
		})
		return
	}
	i.discardStaging()
	if err := iox.RemoveIfExists(l.Pending()); err != nil {
		i.logger.Warn("failed to remove pending record", map[string]any{
			"path":  l.Pending(),
			"error": err.Error(),
		})
	}
}

// carryPreserved moves preserved top-level paths from src into dst.
// User data wins over anything the archive shipped at the same path.
func (i *Installer) carryPreserved(src, dst string) error {
	for _, name := range i.preserve {
		from := filepath.Join(src, filepath.FromSlash(name))
		if !exists(from) {
			continue
		}
		to := filepath.Join(dst, filepath.FromSlash(name))
		if err := os.RemoveAll(to); err != nil {
			return types.ClassifyFS("preserve", to, err)
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return types.ClassifyFS("preserve", to, err)
		}
		if err := os.Rename(from, to); err != nil {
			return types.ClassifyFS("preserve", from, err)
		}
	}
	return nil
}

// RecoveryAction describes what Recover did.
type RecoveryAction string

// Recovery outcomes.
const (
	RecoveryNone              RecoveryAction = "none"
	RecoveryCompletedSwap     RecoveryAction = "completed_swap"
	RecoveryCompletedRollback RecoveryAction = "completed_rollback"
	RecoveryRestoredPrevious  RecoveryAction = "restored_previous"
	RecoveryDiscardedStaging  RecoveryAction = "discarded_staging"
)

// rollbackAside holds current/ while previous/ is moved into its place.
func (l Layout) rollbackAside() string { return filepath.Join(l.Root, "rollback.tmp") }

// Recover repairs the layout after a crash. It must run before any install
// starts. Afterwards current/ holds either the old or the new version.
//
//   - pending record present: the extraction was complete, so the swap is
//     rolled forward (or the record committed if the swap already happened)
//   - rollback.tmp present: an interrupted rollback is finished
//   - staging/ without a pending record: the extraction was incomplete and
//     staging/ is removed
//   - current/ missing with previous/ present: previous/ is restored
//
// Preserved user data stranded in previous/ is moved back into current/.
func (i *Installer) Recover() (RecoveryAction, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	action, err := i.recover()
	if err != nil {
		return RecoveryNone, err
	}
	if err := i.adoptOrphans(); err != nil {
		return action, err
	}
	if action != RecoveryNone {
		i.logger.Info("recovered install root", map[string]any{"action": string(action)})
	}
	return action, nil
}

func (i *Installer) recover() (RecoveryAction, error) {
	l := i.layout

	pending, err := readRecord(l.Pending())
	if err != nil {
		i.logger.Warn("discarding unreadable pending record", map[string]any{"error": err.Error()})
		pending = nil
		if rmErr := iox.RemoveIfExists(l.Pending()); rmErr != nil {
			return RecoveryNone, types.ClassifyFS("recover", l.Pending(), rmErr)
		}
	}

	if pending != nil {
		if exists(l.Staging()) || exists(l.Current()) {
			i.logger.Info("completing interrupted install", map[string]any{"version": pending.Version})
			if err := i.swap(pending); err != nil {
				return RecoveryNone, err
			}
			return RecoveryCompletedSwap, nil
		}
		// The live tree was moved to previous/ and the committed record still describes it.
		if err := iox.RemoveIfExists(l.Pending()); err != nil {
			return RecoveryNone, types.ClassifyFS("recover", l.Pending(), err)
		}
		if exists(l.Previous()) {
			if err := os.Rename(l.Previous(), l.Current()); err != nil {
				return RecoveryNone, types.ClassifyFS("recover", l.Previous(), err)
			}
			return RecoveryRestoredPrevious, nil
		}
		return RecoveryNone, nil
	}

	rollback, err := readRecord(l.RollbackPending())
	if err != nil {
		i.logger.Warn("discarding unreadable rollback record", map[string]any{"error": err.Error()})
		rollback = nil
		if rmErr := iox.RemoveIfExists(l.RollbackPending()); rmErr != nil {
			return RecoveryNone, types.ClassifyFS("recover", l.RollbackPending(), rmErr)
		}
	}
	if rollback != nil {
		i.logger.Info("completing interrupted rollback", map[string]any{"version": rollback.Version})
		if err := i.rollbackSwap(rollback); err != nil {
			return RecoveryNone, err
		}
		return RecoveryCompletedRollback, nil
	}

	if exists(l.rollbackAside()) {
		return i.finishRollback()
	}

	action := RecoveryNone
	if exists(l.Staging()) {
		if err := os.RemoveAll(l.Staging()); err != nil {
			return RecoveryNone, types.ClassifyFS("recover", l.Staging(), err)
		}
		action = RecoveryDiscardedStaging
	}

	if !exists(l.Current()) && exists(l.Previous()) {
		if err := os.Rename(l.Previous(), l.Current()); err != nil {
			return RecoveryNone, types.ClassifyFS("recover", l.Previous(), err)
		}
		rec, err := i.Record()
		if err != nil {
			return RecoveryNone, err
		}
		if rec != nil && rec.PreviousVersion != "" {
			restored := &types.InstallationRecord{
				Version:     rec.PreviousVersion,
				Channel:     rec.Channel,
				InstalledAt: i.now().UTC(),
			}
			if err := writeRecord(l.Record(), restored); err != nil {
				return RecoveryNone, err
			}
		}
		action = RecoveryRestoredPrevious
	}
	return action, nil
}

// finishRollback completes a rollback interrupted between its renames
// when no rollback record was left to say how it should end.
func (i *Installer) finishRollback() (RecoveryAction, error) {
	l := i.layout
	aside := l.rollbackAside()

	if exists(l.Current()) && exists(l.Previous()) {
		// The crash hit the cleanup of a stale aside before any rename.
		return RecoveryNone, types.ClassifyFS("recover", aside, os.RemoveAll(aside))
	}
	if !exists(l.Current()) {
		if err := os.Rename(l.Previous(), l.Current()); err != nil {
			return RecoveryNone, types.ClassifyFS("recover", l.Previous(), err)
		}
	}
	if err := os.Rename(aside, l.Previous()); err != nil {
		return RecoveryNone, types.ClassifyFS("recover", aside, err)
	}
	rec, err := i.Record()
	if err != nil {
		return RecoveryNone, err
	}
	if _, err := i.flipRecord(rec); err != nil {
		return RecoveryNone, err
	}
	return RecoveryCompletedRollback, nil
}

// adoptOrphans moves preserved user data found in previous/ but missing
// from current/ back into current/. After a normal install previous/
// holds none.
func (i *Installer) adoptOrphans() error {
	l := i.layout
	if !exists(l.Current()) || !exists(l.Previous()) {
		return nil
	}
	for _, name := range i.preserve {
		rel := filepath.FromSlash(name)
		from := filepath.Join(l.Previous(), rel)
		to := filepath.Join(l.Current(), rel)
		if !exists(from) || exists(to) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return types.ClassifyFS("preserve", to, err)
		}
		if err := os.Rename(from, to); err != nil {
			return types.ClassifyFS("preserve", from, err)
		}
	}
	return nil
}

// flipped describes rec after current/ and previous/ trade places.
func (i *Installer) flipped(rec *types.InstallationRecord) *types.InstallationRecord {
	next := &types.InstallationRecord{InstalledAt: i.now().UTC(), PreviousPath: i.layout.Previous()}
	if rec != nil {
		next.Version = rec.PreviousVersion
		next.Channel = rec.Channel
		next.PreviousVersion = rec.Version
	}
	return next
}

// flipRecord records that the versions in current/ and previous/ traded places.
func (i *Installer) flipRecord(rec *types.InstallationRecord) (*types.InstallationRecord, error) {
	next := i.flipped(rec)
	if err := writeRecord(i.layout.Record(), next); err != nil {
		return nil, err
	}
	return next, nil
}

// rollbackSwap trades current/ and previous/ and commits next, which is
// also held in the rollback record. The record is committed while
// rollback.tmp still exists, so every crash point leaves a layout this
// function can finish from. It is idempotent.
func (i *Installer) rollbackSwap(next *types.InstallationRecord) error {
	l := i.layout
	aside := l.rollbackAside()

	if !exists(aside) {
		committed, err := i.Record()
		if err != nil {
			return err
		}
		if sameRecord(committed, next) {
			return types.ClassifyFS("rollback", l.RollbackPending(), iox.RemoveIfExists(l.RollbackPending()))
		}
		if exists(l.Current()) {
			if err := os.Rename(l.Current(), aside); err != nil {
				return types.ClassifyFS("rollback", l.Current(), err)
			}
		}
	}
	if !exists(l.Current()) {
		if err := os.Rename(l.Previous(), l.Current()); err != nil {
			return types.ClassifyFS("rollback", l.Previous(), err)
		}
	}
	if err := writeRecord(l.Record(), next); err != nil {
		return err
	}
	if exists(aside) {
		if err := os.Rename(aside, l.Previous()); err != nil {
			return types.ClassifyFS("rollback", aside, err)
		}
	}
	if err := iox.SyncDir(l.Root); err != nil {
		return types.ClassifyFS("rollback", l.Root, err)
	}
	return types.ClassifyFS("rollback", l.RollbackPending(), iox.RemoveIfExists(l.RollbackPending()))
}

// ErrNoPrevious is returned by Rollback when there is nothing to roll back to.
var ErrNoPrevious = errors.New("no previous installation to roll back to")

// Rollback makes previous/ live again and keeps the rolled-back version in
// previous/, so a second Rollback undoes the first.
func (i *Installer) Rollback() (*types.InstallationRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	l := i.layout
	if !exists(l.Previous()) {
		return nil, types.NewError(types.ErrFilesystem, "rollback", l.Previous(), ErrNoPrevious)
	}
	rec, err := i.Record()
	if err != nil {
		return nil, err
	}

	aside := l.rollbackAside()
	if err := os.RemoveAll(aside); err != nil {
		return nil, types.ClassifyFS("rollback", aside, err)
	}
	next := i.flipped(rec)
	if err := writeRecord(l.RollbackPending(), next); err != nil {
		return nil, err
	}
	if err := i.rollbackSwap(next); err != nil {
		return nil, err
	}
	if err := i.adoptOrphans(); err != nil {
		return nil, err
	}
	i.logger.Info("rolled back installation", map[string]any{
		"version": next.Version,
		"from":    next.PreviousVersion,
	})
	return next, nil
}
