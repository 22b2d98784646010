package install

import (
	"errors"
	"os"

	"github.com/justapithecus/skiff/types"
)

// ErrRootLocked is returned by LockRoot when another process holds the root.
var ErrRootLocked = errors.New("install root is in use by another process")

// RootLock is an exclusive advisory lock on an install root. The kernel
// drops it if the process dies, so a stale install.lock file is harmless.
type RootLock struct {
	file *os.File
}

// LockRoot takes the root's lock without blocking. A second holder, in
// this process or another, gets ErrRootLocked.
func LockRoot(root string) (*RootLock, error) {
	l := Layout{Root: root}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.ClassifyFS("lock", root, err)
	}
	f, err := os.OpenFile(l.Lock(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, types.ClassifyFS("lock", l.Lock(), err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, types.NewError(types.ErrFilesystem, "lock", l.Lock(), ErrRootLocked)
		}
		return nil, types.ClassifyFS("lock", l.Lock(), err)
	}
	return &RootLock{file: f}, nil
}

// Release unlocks the root. It is safe to call more than once.
func (r *RootLock) Release() {
	if r == nil || r.file == nil {
		return
	}
	_ = unlockFile(r.file)
	_ = r.file.Close()
	r.file = nil
}
