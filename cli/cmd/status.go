package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/skiff/cli/render"
	"github.com/justapithecus/skiff/download"
	"github.com/justapithecus/skiff/install"
)

// StatusResponse describes the install root without contacting the
// release service.
type StatusResponse struct {
	Root             string    `json:"root"`
	Installed        string    `json:"installed"`
	Channel          string    `json:"channel"`
	Digest           string    `json:"digest"`
	InstalledAt      time.Time `json:"installed_at"`
	PreviousVersion  string    `json:"previous_version"`
	RollbackReady    bool      `json:"rollback_ready"`
	PendingDownload  string    `json:"pending_download"`
	PendingBytes     int64     `json:"pending_bytes" render:"bytes"`
	PendingTotal     int64     `json:"pending_total" render:"bytes"`
	PendingUpdatedAt time.Time `json:"pending_updated_at"`
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the installed version, rollback target and any partial download",
		Flags:  append(LauncherFlags(), ReadOnlyFlags()...),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	cfg, err := loadLocalConfig(c)
	if err != nil {
		return err
	}
	resp, err := readStatus(cfg.Root)
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	return r.Render(resp)
}

func readStatus(root string) (StatusResponse, error) {
	resp := StatusResponse{Root: root}
	layout := install.Layout{Root: root}

	rec, err := install.LoadRecord(root)
	if err != nil {
		return resp, fmt.Errorf("read installation record: %w", err)
	}
	if rec != nil {
		resp.Installed = rec.Version
		resp.Channel = rec.Channel
		resp.Digest = rec.Digest
		resp.InstalledAt = rec.InstalledAt
		resp.PreviousVersion = rec.PreviousVersion
	}
	if info, err := os.Stat(layout.Previous()); err == nil && info.IsDir() {
		resp.RollbackReady = rec != nil && rec.PreviousVersion != ""
	}

	state, err := download.ReadSidecar(layout.Download())
	switch {
	case err == nil:
		resp.PendingDownload = state.Version
		resp.PendingBytes = state.BytesReceived
		resp.PendingTotal = state.ExpectedSize
		resp.PendingUpdatedAt = state.UpdatedAt
	case errors.Is(err, fs.ErrNotExist):
	case download.IsSidecarError(err):
		// A corrupt sidecar only costs a restart from zero.
		resp.PendingDownload = "unreadable"
	default:
		return resp, fmt.Errorf("read download state: %w", err)
	}
	return resp, nil
}
