package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/render"
	"github.com/justapithecus/skiff/cli/tui"
)

// UpdateCommand returns the update command.
// It runs one update session to completion and exits with the session outcome.
func UpdateCommand() *cli.Command {
	flags := LauncherFlags()
	flags = append(flags,
		NoColorFlag,
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "Show the interactive progress view",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "Print a metrics snapshot (JSON) to stderr when the session ends",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Suppress progress output",
		},
	)
	return &cli.Command{
		Name:   "update",
		Usage:  "Check for, download and install the channel's current version",
		Flags:  flags,
		Action: updateAction,
	}
}

func updateAction(c *cli.Context) error {
	cfg, err := loadLauncherConfig(c)
	if err != nil {
		return err
	}

	useTUI := c.Bool("tui")
	var logOut io.Writer
	if useTUI {
		// Log lines would tear the TUI; they still reach log.file.
		logOut = io.Discard
	}
	logger := launcherLogger(cfg, logOut)
	defer func() { _ = logger.Sync() }()

	l, err := newLauncher(cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	channel := cfg.TargetChannel()
	session, err := l.manager.StartUpdateCheck(ctx, channel)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot start update: %v", err), exitFailed)
	}

	// The subscription outlives ctx so the final events are still shown
	// after a signal cancels the session.
	events := session.Subscribe(context.WithoutCancel(ctx))
	switch {
	case useTUI:
		if _, err := tui.Run(channel.Key(), events, session.Cancel); err != nil {
			session.Cancel()
			logger.Warn("progress view failed", map[string]any{"error": err.Error()})
		}
	case c.Bool("quiet"):
		for range events {
		}
	default:
		printer := render.NewProgressPrinter(c.App.ErrWriter, c.Bool("no-color") || !isStderrTTY())
		for ev := range events {
			printer.Event(ev)
		}
	}

	res, err := session.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	logger.Info("update session finished", map[string]any{
		"session_id":  session.ID(),
		"phase":       string(res.Phase),
		"duration_ms": sinceMillis(start),
	})

	if c.Bool("metrics") {
		if err := render.NewRendererWithWriter(render.FormatJSON, true, c.App.ErrWriter).Render(l.metrics.Snapshot()); err != nil {
			return err
		}
	}

	code := exitCodeFor(res)
	if code == exitOK {
		return nil
	}
	return cli.Exit(exitMessage(res), code)
}
