package types

import "time"

// Phase is a state of the update state machine.
type Phase string

// Phases of an update session.
const (
	PhaseIdle              Phase = "idle"
	PhaseCheckingForUpdate Phase = "checking_for_update"
	PhaseUpToDate          Phase = "up_to_date"
	PhaseDownloading       Phase = "downloading"
	PhaseVerifying         Phase = "verifying"
	PhaseInstalling        Phase = "installing"
	PhaseReady             Phase = "ready"
	PhaseFailed            Phase = "failed"
)

// IsTerminal returns true if the session ends in this phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseUpToDate || p == PhaseReady || p == PhaseFailed
}

// IsActive returns true for phases in which work is in flight.
func (p Phase) IsActive() bool {
	switch p {
	case PhaseCheckingForUpdate, PhaseDownloading, PhaseVerifying, PhaseInstalling:
		return true
	default:
		return false
	}
}

// Event is one observation of an update session, delivered to subscribers.
type Event struct {
	SessionID string  `json:"session_id"`
	Phase     Phase   `json:"phase"`
	Progress  float64 `json:"progress"`
	// BytesDone and BytesTotal are set while downloading or verifying.
	BytesDone  int64 `json:"bytes_done,omitempty"`
	BytesTotal int64 `json:"bytes_total,omitempty"`
	// BytesPerSecond is the smoothed download rate.
	BytesPerSecond float64 `json:"bytes_per_second,omitempty"`
	// Version is the target version once the manifest is known.
	Version string `json:"version,omitempty"`
	// Warning carries a non-fatal post-install hook message.
	Warning string `json:"warning,omitempty"`
	// Err is set on the Failed event.
	Err error `json:"-"`
	// ErrKind mirrors Err for serialization.
	ErrKind ErrorKind `json:"error_kind,omitempty"`
	At      time.Time `json:"at"`
}

// DownloadProgress is emitted by the download engine as bytes arrive.
type DownloadProgress struct {
	BytesSoFar     int64
	TotalBytes     int64
	BytesPerSecond float64
	// Resumed is true when the download continued from a sidecar.
	Resumed bool
}

// Fraction returns progress in [0,1].
func (p DownloadProgress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	f := float64(p.BytesSoFar) / float64(p.TotalBytes)
	if f > 1 {
		return 1
	}
	return f
}

// DownloadState is the persisted sidecar of a partial download.
// Owned exclusively by the download engine. The digest is accumulated by
// the verifier over the finished file, so a resume never rehashes.
type DownloadState struct {
	TargetPath     string    `msgpack:"target_path" json:"target_path"`
	Version        string    `msgpack:"version" json:"version"`
	ArtifactURL    string    `msgpack:"artifact_url" json:"artifact_url"`
	ExpectedSize   int64     `msgpack:"expected_size" json:"expected_size"`
	ExpectedDigest string    `msgpack:"expected_digest" json:"expected_digest"`
	BytesReceived  int64     `msgpack:"bytes_received" json:"bytes_received"`
	UpdatedAt      time.Time `msgpack:"updated_at" json:"updated_at"`
}

// Matches reports whether the sidecar was written for the given manifest.
func (s *DownloadState) Matches(m *VersionManifest) bool {
	return s.ExpectedSize == m.SizeBytes && s.ExpectedDigest == m.Digest
}

// InstallationRecord is the durable source of truth for what is installed.
// Owned by the installer; written only after a successful swap.
type InstallationRecord struct {
	Version         string    `yaml:"version" json:"version"`
	Channel         string    `yaml:"channel,omitempty" json:"channel,omitempty"`
	Digest          string    `yaml:"digest,omitempty" json:"digest,omitempty"`
	PreviousVersion string    `yaml:"previous_version,omitempty" json:"previous_version,omitempty"`
	PreviousPath    string    `yaml:"previous_path,omitempty" json:"previous_path,omitempty"`
	InstalledAt     time.Time `yaml:"installed_at" json:"installed_at"`
}
