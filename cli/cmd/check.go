package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/render"
	"github.com/justapithecus/skiff/install"
	"github.com/justapithecus/skiff/manifest"
	"github.com/justapithecus/skiff/types"
)

// CheckResponse is the response for the check command.
type CheckResponse struct {
	Channel         string    `json:"channel"`
	Installed       string    `json:"installed"`
	Available       string    `json:"available"`
	UpdateAvailable bool      `json:"update_available"`
	Newer           bool      `json:"newer"`
	SizeBytes       int64     `json:"size_bytes" render:"bytes"`
	PublishedAt     time.Time `json:"published_at"`
}

// CheckCommand returns the check command.
// It fetches the channel manifest and compares it with the installation
// without downloading anything.
func CheckCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "Report whether the channel has a different version than the one installed",
		Flags:  append(LauncherFlags(), ReadOnlyFlags()...),
		Action: checkAction,
	}
}

func checkAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	cfg, err := loadLauncherConfig(c)
	if err != nil {
		return err
	}

	client, err := manifest.New(manifest.Config{
		BaseURL: cfg.Server,
		Timeout: cfg.RequestTimeout.Duration,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	channel := cfg.TargetChannel()
	m, err := client.FetchManifest(c.Context, channel)
	if err != nil {
		return cli.Exit(fmt.Sprintf("check failed (%s): %v", types.KindOf(err), err), exitFailed)
	}
	rec, err := install.LoadRecord(cfg.Root)
	if err != nil {
		return cli.Exit(fmt.Sprintf("read installation record: %v", err), exitFailed)
	}

	resp := CheckResponse{
		Channel:         channel.Key(),
		Available:       m.Version,
		UpdateAvailable: true,
		Newer:           true,
		SizeBytes:       m.SizeBytes,
		PublishedAt:     m.PublishedAt,
	}
	if rec != nil {
		resp.Installed = rec.Version
		// Any differing version is an update, including a downgrade.
		resp.UpdateAvailable = rec.Version != m.Version
		resp.Newer = types.CompareVersions(m.Version, rec.Version) > 0
	}
	return r.Render(resp)
}
