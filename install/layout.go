// Package install extracts verified archives and swaps them into place.
//
// On-disk layout under an install root:
//
//	current/                 live installation
//	previous/                last known-good, for rollback
//	staging/                 in-progress extraction
//	download.part            artifact being downloaded
//	download.part.state      download sidecar
//	install.record           durable InstallationRecord
//	install.record.pending   record of a fully extracted staging/, awaiting swap
//	install.record.rollback  record a rollback in progress will commit
//	install.lock             held by the process that owns this root
//
// The installer is the only writer of current/, previous/ and install.record.
package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/types"
)

// Layout names the paths under an install root.
type Layout struct {
	Root string
}

// Current is the live installation directory.
func (l Layout) Current() string { return filepath.Join(l.Root, "current") }

// Previous is the rollback slot.
func (l Layout) Previous() string { return filepath.Join(l.Root, "previous") }

// Staging is the extraction directory.
func (l Layout) Staging() string { return filepath.Join(l.Root, "staging") }

// Download is the artifact download destination.
func (l Layout) Download() string { return filepath.Join(l.Root, "download.part") }

// Record is the durable installation record.
func (l Layout) Record() string { return filepath.Join(l.Root, "install.record") }

// Pending marks a complete staging directory.
func (l Layout) Pending() string { return filepath.Join(l.Root, "install.record.pending") }

// RollbackPending marks a rollback whose renames may be incomplete.
func (l Layout) RollbackPending() string { return filepath.Join(l.Root, "install.record.rollback") }

// Lock is the lock file guarding the root against a second process.
func (l Layout) Lock() string { return filepath.Join(l.Root, "install.lock") }

// LoadRecord reads the installation record under root.
// Returns (nil, nil) when nothing has been installed yet.
func LoadRecord(root string) (*types.InstallationRecord, error) {
	return readRecord(Layout{Root: root}.Record())
}

func readRecord(path string) (*types.InstallationRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, types.ClassifyFS("read_record", path, err)
	}
	var rec types.InstallationRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, types.NewError(types.ErrFilesystem, "read_record", path, fmt.Errorf("corrupt record: %w", err))
	}
	return &rec, nil
}

func writeRecord(path string, rec *types.InstallationRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return types.NewError(types.ErrFilesystem, "write_record", path, err)
	}
	return types.ClassifyFS("write_record", path, iox.WriteFileAtomic(path, data, 0o644))
}

// sameRecord reports whether two records describe the same commit.
func sameRecord(a, b *types.InstallationRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Version == b.Version &&
		a.PreviousVersion == b.PreviousVersion &&
		a.InstalledAt.Equal(b.InstalledAt)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// nonEmptyDir reports whether path is a directory with at least one entry.
func nonEmptyDir(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer iox.DiscardClose(f)
	names, _ := f.Readdirnames(1)
	return len(names) > 0
}
