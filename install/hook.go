package install

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/justapithecus/skiff/iox"
)

// PostInstallHook is the OS-integration step run after a successful swap.
// A non-nil error is a warning: it is logged and surfaced, never rolled back.
type PostInstallHook interface {
	Name() string
	Run(ctx context.Context, installPath string) error
}

// HookKind selects a PostInstallHook variant.
type HookKind string

// Hook variants.
const (
	HookAuto    HookKind = "auto"
	HookNone    HookKind = "none"
	HookChmod   HookKind = "chmod"
	HookPatcher HookKind = "patcher"
)

// HookConfig configures hook selection.
type HookConfig struct {
	Kind HookKind
	// Executables are paths relative to the install directory.
	Executables []string
	// Patcher is the command (and arguments) run once per executable.
	Patcher []string
	// PatcherEnv is extra environment for the patcher, as KEY=VALUE.
	PatcherEnv []string
	// OSReleasePath overrides /etc/os-release, mainly for tests.
	OSReleasePath string
}

// SelectHook resolves cfg into a concrete hook.
func SelectHook(cfg HookConfig) (PostInstallHook, error) {
	switch cfg.Kind {
	case HookNone:
		return NoopHook{}, nil
	case HookChmod:
		return ChmodHook{Executables: cfg.Executables}, nil
	case HookPatcher:
		if len(cfg.Patcher) == 0 {
			return nil, errors.New("patcher hook requires a patcher command")
		}
		return PatcherHook{Command: cfg.Patcher, Env: cfg.PatcherEnv, Executables: cfg.Executables}, nil
	case HookAuto, "":
		return autoHook(cfg), nil
	default:
		return nil, fmt.Errorf("unknown hook kind %q", cfg.Kind)
	}
}

func autoHook(cfg HookConfig) PostInstallHook {
	if runtime.GOOS == "windows" {
		return NoopHook{}
	}
	osRelease := cfg.OSReleasePath
	if osRelease == "" {
		osRelease = "/etc/os-release"
	}
	if len(cfg.Patcher) > 0 && osReleaseID(osRelease) == "nixos" {
		return PatcherHook{Command: cfg.Patcher, Env: cfg.PatcherEnv, Executables: cfg.Executables}
	}
	return ChmodHook{Executables: cfg.Executables}
}

// osReleaseID returns the ID= value from an os-release file, or "".
func osReleaseID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer iox.DiscardClose(f)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "ID="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

// NoopHook does nothing.
type NoopHook struct{}

// Name implements PostInstallHook.
func (NoopHook) Name() string { return string(HookNone) }

// Run implements PostInstallHook.
func (NoopHook) Run(context.Context, string) error { return nil }

// ChmodHook marks executables as runnable; archives do not always carry modes.
type ChmodHook struct {
	Executables []string
}

// Name implements PostInstallHook.
func (ChmodHook) Name() string { return string(HookChmod) }

// Run implements PostInstallHook.
func (h ChmodHook) Run(_ context.Context, installPath string) error {
	var errs []error
	for _, rel := range h.Executables {
		path := filepath.Join(installPath, filepath.FromSlash(rel))
		if err := os.Chmod(path, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("chmod %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

// PatcherHook runs an external patcher (e.g. a dynamic-linker patch on
// NixOS) against each executable, verifying that the file changed.
type PatcherHook struct {
	Command     []string
	Env         []string
	Executables []string
}

// Name implements PostInstallHook.
func (PatcherHook) Name() string { return string(HookPatcher) }

// Run implements PostInstallHook.
func (h PatcherHook) Run(ctx context.Context, installPath string) error {
	var errs []error
	for _, rel := range h.Executables {
		target := filepath.Join(installPath, filepath.FromSlash(rel))
		if err := h.patch(ctx, installPath, target); err != nil {
			errs = append(errs, fmt.Errorf("patch %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

func (h PatcherHook) patch(ctx context.Context, dir, target string) error {
	before, err := fileCRC(target)
	if err != nil {
		return err
	}

	args := append(append([]string{}, h.Command[1:]...), target)
	cmd := exec.CommandContext(ctx, h.Command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), h.Env...), "SKIFF_PATCHER_TARGET="+target)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String()))
	}

	after, err := fileCRC(target)
	if err != nil {
		return err
	}
	if before == after {
		return errors.New("patcher exited successfully but did not modify the file")
	}
	return nil
}

func fileCRC(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}
