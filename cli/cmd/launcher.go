package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/config"
	"github.com/justapithecus/skiff/download"
	"github.com/justapithecus/skiff/install"
	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/manifest"
	"github.com/justapithecus/skiff/metrics"
	"github.com/justapithecus/skiff/types"
	"github.com/justapithecus/skiff/updater"
)

// Launcher exit codes.
const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	exitCanceled = 3
)

// loadLauncherConfig merges the config file with flag overrides and
// applies defaults. Invalid configuration exits with exitUsage.
func loadLauncherConfig(c *cli.Context) (config.LauncherConfig, error) {
	return resolveLauncherConfig(c, true)
}

// loadLocalConfig is loadLauncherConfig for commands that never contact
// the release service.
func loadLocalConfig(c *cli.Context) (config.LauncherConfig, error) {
	return resolveLauncherConfig(c, false)
}

func resolveLauncherConfig(c *cli.Context, needServer bool) (config.LauncherConfig, error) {
	file, err := config.LoadOptional(c.String("config"))
	if err != nil {
		return config.LauncherConfig{}, cli.Exit(err.Error(), exitUsage)
	}
	cfg := file.Launcher

	override := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	override("server", &cfg.Server)
	override("channel", &cfg.Channel)
	override("platform", &cfg.Platform)
	override("arch", &cfg.Arch)
	override("root", &cfg.Root)
	override("log-level", &cfg.Log.Level)

	cfg = cfg.WithDefaults()
	validate := cfg.ValidateLocal
	if needServer {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		return cfg, cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitUsage)
	}
	return cfg, nil
}

// launcherLogger writes JSON logs to stderr (or w) and to the configured
// rotating log file.
func launcherLogger(cfg config.LauncherConfig, w io.Writer) *log.Logger {
	logger := log.NewLogger(log.Context{
		Component:   "launcher",
		Channel:     cfg.TargetChannel().Key(),
		InstallRoot: cfg.Root,
	})
	if w != nil {
		logger = logger.WithOutput(w)
	}
	logger = logger.WithLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		logger = logger.WithFile(cfg.Log.File, log.Rotation{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	return logger
}

// launcher bundles the wired update engine for one install root.
type launcher struct {
	cfg       config.LauncherConfig
	logger    *log.Logger
	metrics   *metrics.Collector
	manifests *manifest.Client
	installer *install.Installer
	manager   *updater.Manager
	lock      *install.RootLock
}

// Close releases the install root.
func (l *launcher) Close() {
	l.lock.Release()
}

// lockRoot claims the install root for this process.
func lockRoot(root string) (*install.RootLock, error) {
	lock, err := install.LockRoot(root)
	if errors.Is(err, install.ErrRootLocked) {
		return nil, cli.Exit(fmt.Sprintf("install root %s is in use by another skiff process", root), exitFailed)
	}
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("cannot lock install root: %v", err), exitFailed)
	}
	return lock, nil
}

func newLauncher(cfg config.LauncherConfig, logger *log.Logger) (*launcher, error) {
	hook, err := install.SelectHook(cfg.InstallHook())
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid hook configuration: %v", err), exitUsage)
	}
	manifests, err := manifest.New(manifest.Config{
		BaseURL: cfg.Server,
		Timeout: cfg.RequestTimeout.Duration,
	})
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create install root: %w", err)
	}
	lock, err := lockRoot(cfg.Root)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector("launcher", cfg.TargetChannel().Key(), "")
	installer := install.New(install.Config{
		Root:            cfg.Root,
		ExpectedEntries: cfg.ExpectedEntries,
		Preserve:        cfg.Preserve,
		Hook:            hook,
		Logger:          logger,
	})
	engine := download.New(download.Config{
		ChunkTimeout:  cfg.ChunkTimeout.Duration,
		FlushInterval: cfg.SidecarInterval.Duration,
		Logger:        logger,
	})

	retries := *cfg.Retries
	if retries == 0 {
		// updater treats zero as "use the default".
		retries = -1
	}
	manager, err := updater.NewManager(updater.Config{
		Manifests:  manifests,
		Downloader: engine,
		Installer:  installer,
		Retries:    retries,
		Backoff: updater.Backoff{
			Initial:    cfg.Backoff.Initial.Duration,
			Max:        cfg.Backoff.Max.Duration,
			Multiplier: cfg.Backoff.Multiplier,
		},
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		lock.Release()
		return nil, err
	}
	return &launcher{
		cfg:       cfg,
		logger:    logger,
		metrics:   collector,
		manifests: manifests,
		installer: installer,
		manager:   manager,
		lock:      lock,
	}, nil
}

// exitCodeFor maps a session result to the launcher exit code.
func exitCodeFor(res *updater.Result) int {
	if res == nil {
		return exitFailed
	}
	switch res.Phase {
	case types.PhaseReady, types.PhaseUpToDate:
		return exitOK
	}
	if types.KindOf(res.Err) == types.KindCanceled {
		return exitCanceled
	}
	return exitFailed
}

// exitMessage is the one-line summary printed for a failed session.
func exitMessage(res *updater.Result) string {
	if res == nil || res.Err == nil {
		return ""
	}
	return fmt.Sprintf("update failed (%s): %v", types.KindOf(res.Err), res.Err)
}

func sinceMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
