// Package main provides the skiff-releases release tracking service.
//
// Usage:
//
//	skiff-releases serve [--config skiff.yaml] [options]
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
		Name:           "skiff-releases",
		Usage:          "Serve release channel manifests and artifacts",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: cmd.ExitErrHandler(os.Stderr, os.Exit),
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.VersionCommand("", commit),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}
