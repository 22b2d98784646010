// Package cmd provides CLI commands for the skiff and skiff-releases binaries.
package cmd

import (
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// ConfigFlag points at a skiff.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to skiff.yaml",
		EnvVars: []string{"SKIFF_CONFIG"},
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// LauncherFlags returns the flags that override the launcher config section.
func LauncherFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		&cli.StringFlag{
			Name:    "server",
			Usage:   "Release service base URL",
			EnvVars: []string{"SKIFF_SERVER"},
		},
		&cli.StringFlag{
			Name:  "channel",
			Usage: "Update channel (default nightly)",
		},
		&cli.StringFlag{
			Name:  "platform",
			Usage: "Target platform (default: this system)",
		},
		&cli.StringFlag{
			Name:  "arch",
			Usage: "Target architecture (default: this system)",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Install root (default $SKIFF_ROOT or <data dir>/skiff/<channel>)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
	}
}

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
