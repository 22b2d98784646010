// Package main provides the skiff launcher CLI.
//
// Usage:
//
//	skiff <command> [options]
//
// Exit codes for update:
//   - 0: installed or already up to date
//   - 1: update failed
//   - 2: usage or configuration error
//   - 3: canceled
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/cmd"
	"github.com/justapithecus/skiff/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func newApp() *cli.App {
	return &cli.App{
		Name:           "skiff",
		Usage:          "Keep a game installation on its release channel",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: cmd.ExitErrHandler(os.Stderr, os.Exit),
		Commands: []*cli.Command{
			cmd.UpdateCommand(),
			cmd.CheckCommand(),
			cmd.StatusCommand(),
			cmd.RecoverCommand(),
			cmd.RollbackCommand(),
			cmd.VersionCommand("", commit),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}
