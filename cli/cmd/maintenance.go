package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/render"
	"github.com/justapithecus/skiff/install"
	"github.com/justapithecus/skiff/types"
)

// RecoverResponse is the response for the recover command.
type RecoverResponse struct {
	Root      string `json:"root"`
	Action    string `json:"action"`
	Installed string `json:"installed"`
}

// RollbackResponse is the response for the rollback command.
type RollbackResponse struct {
	Root      string `json:"root"`
	Installed string `json:"installed"`
	Previous  string `json:"previous"`
}

// RecoverCommand returns the recover command.
// Recovery also runs before every update session; this command exists for
// repairing an install root without starting one.
func RecoverCommand() *cli.Command {
	return &cli.Command{
		Name:   "recover",
		Usage:  "Repair an install root left inconsistent by a crash",
		Flags:  append(LauncherFlags(), ReadOnlyFlags()...),
		Action: recoverAction,
	}
}

// RollbackCommand returns the rollback command.
func RollbackCommand() *cli.Command {
	return &cli.Command{
		Name:   "rollback",
		Usage:  "Swap the previous installation back into place",
		Flags:  append(LauncherFlags(), ReadOnlyFlags()...),
		Action: rollbackAction,
	}
}

// localInstaller builds an installer for the configured root and holds the
// root's lock until release is called.
func localInstaller(c *cli.Context) (inst *install.Installer, root string, release func(), err error) {
	cfg, err := loadLocalConfig(c)
	if err != nil {
		return nil, "", nil, err
	}
	hook, err := install.SelectHook(cfg.InstallHook())
	if err != nil {
		return nil, "", nil, cli.Exit(fmt.Sprintf("invalid hook configuration: %v", err), exitUsage)
	}
	lock, err := lockRoot(cfg.Root)
	if err != nil {
		return nil, "", nil, err
	}
	logger := launcherLogger(cfg, c.App.ErrWriter)
	return install.New(install.Config{
		Root:            cfg.Root,
		ExpectedEntries: cfg.ExpectedEntries,
		Preserve:        cfg.Preserve,
		Hook:            hook,
		Logger:          logger,
	}), cfg.Root, lock.Release, nil
}

func recoverAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	installer, root, release, err := localInstaller(c)
	if err != nil {
		return err
	}
	defer release()
	action, err := installer.Recover()
	if err != nil {
		return cli.Exit(fmt.Sprintf("recover failed (%s): %v", types.KindOf(err), err), exitFailed)
	}
	resp := RecoverResponse{Root: root, Action: string(action)}
	if rec, err := installer.Record(); err == nil && rec != nil {
		resp.Installed = rec.Version
	}
	return r.Render(resp)
}

func rollbackAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	installer, root, release, err := localInstaller(c)
	if err != nil {
		return err
	}
	defer release()
	if _, err := installer.Recover(); err != nil {
		return cli.Exit(fmt.Sprintf("recover failed (%s): %v", types.KindOf(err), err), exitFailed)
	}
	rec, err := installer.Rollback()
	if errors.Is(err, install.ErrNoPrevious) {
		return cli.Exit("nothing to roll back to", exitFailed)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("rollback failed (%s): %v", types.KindOf(err), err), exitFailed)
	}
	return r.Render(RollbackResponse{
		Root:      root,
		Installed: rec.Version,
		Previous:  rec.PreviousVersion,
	})
}
