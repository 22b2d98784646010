package cmd

import (
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/render"
	"github.com/justapithecus/skiff/types"
)

// VersionResponse describes the running binary.
type VersionResponse struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// VersionCommand reports build information. It never contacts the
// release service.
func VersionCommand(_, commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(VersionResponse{
				Version:  types.Version,
				Commit:   commit,
				Go:       runtime.Version(),
				Platform: runtime.GOOS,
				Arch:     runtime.GOARCH,
			})
		},
	}
}
