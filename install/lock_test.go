package install

import (
	"errors"
	"testing"

	"github.com/justapithecus/skiff/types"
)

func TestLockRoot_Exclusive(t *testing.T) {
	root := t.TempDir()

	first, err := LockRoot(root)
	if err != nil {
		t.Fatalf("LockRoot failed: %v", err)
	}
	if !exists(Layout{Root: root}.Lock()) {
		t.Error("lock file not created")
	}

	if _, err := LockRoot(root); !errors.Is(err, ErrRootLocked) {
		t.Fatalf("second LockRoot = %v, want ErrRootLocked", err)
	} else if types.KindOf(err) != types.KindFilesystem {
		t.Errorf("kind = %q, want filesystem", types.KindOf(err))
	}

	first.Release()
	first.Release()

	second, err := LockRoot(root)
	if err != nil {
		t.Fatalf("LockRoot after release failed: %v", err)
	}
	second.Release()
}
