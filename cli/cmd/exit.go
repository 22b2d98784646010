package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
)

// ExitErrHandler returns a cli.ExitErrHandlerFunc that preserves the exit
// codes of cli.Exit errors and maps any other error to exit code 1.
func ExitErrHandler(stderr io.Writer, exit func(int)) cli.ExitErrHandlerFunc {
	return func(_ *cli.Context, err error) {
		if err == nil {
			return
		}

		var exitCoder cli.ExitCoder
		if errors.As(err, &exitCoder) {
			code := exitCoder.ExitCode()
			msg := exitCoder.Error()

			// cli.Exit("", N).Error() is "exit status N"; nothing to print.
			if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
				_, _ = fmt.Fprintln(stderr, msg)
			}
			exit(code)
			return
		}

		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		exit(exitFailed)
	}
}
