// Package updater orchestrates update sessions: manifest check, download,
// verification and installation, exposed as one asynchronous operation per
// install root with a subscribable event stream.
//
// Phases:
//
//	idle -> checking_for_update -> up_to_date -> idle
//	idle -> checking_for_update -> downloading -> verifying -> installing -> ready -> idle
//	any active phase -> failed -> (acknowledged) idle
//
// Retry policy lives here and nowhere else. Network failures are retried
// with exponential backoff; a digest mismatch or corrupt archive earns one
// full redownload per session. Every other error fails the session.
package updater

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/skiff/install"
	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/metrics"
	"github.com/justapithecus/skiff/types"
)

// ManifestFetcher resolves the current manifest of a channel.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, channel types.Channel) (*types.VersionManifest, error)
}

// Downloader streams an artifact to disk with resume support.
type Downloader interface {
	Download(ctx context.Context, m *types.VersionManifest, dest string) iter.Seq2[types.DownloadProgress, error]
	Discard(dest string) error
}

// Installer swaps verified archives into the install root.
type Installer interface {
	Layout() install.Layout
	Record() (*types.InstallationRecord, error)
	Install(ctx context.Context, archivePath string, m *types.VersionManifest) (*install.Result, error)
	Recover() (install.RecoveryAction, error)
}

// Backoff configures the retry delay for network failures.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Defaults for Config.
const (
	DefaultRetries           = 5
	DefaultBackoffInitial    = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultVerifyChunkSize   = 1 << 20
)

// Config wires the session collaborators.
type Config struct {
	Manifests  ManifestFetcher
	Downloader Downloader
	Installer  Installer
	// Retries is the number of retries after the first attempt of each
	// network operation. Negative disables retries.
	Retries int
	Backoff Backoff
	// VerifyChunkSize bounds the verifier's read buffer.
	VerifyChunkSize int
	Logger          *log.Logger
	Metrics         *metrics.Collector
	Now             func() time.Time
}

// ErrBusy is returned when a session for a different channel is already
// running on the same install root.
var ErrBusy = errors.New("another update session is active on this install root")

// Manager owns the single active session of one install root.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	active    *Session
	recovered bool
}

// NewManager validates cfg and applies defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Manifests == nil || cfg.Downloader == nil || cfg.Installer == nil {
		return nil, errors.New("updater: manifests, downloader and installer are required")
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = DefaultBackoffInitial
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = DefaultBackoffMax
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.VerifyChunkSize <= 0 {
		cfg.VerifyChunkSize = DefaultVerifyChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg}, nil
}

// StartUpdateCheck begins a session for channel and returns its handle.
//
// While a session is running, a second call for the same channel attaches
// to it instead of starting another download; a call for a different
// channel returns ErrBusy. Once the running session is terminal a new one
// may start. ctx bounds the lifetime of a newly started session only.
func (m *Manager) StartUpdateCheck(ctx context.Context, channel types.Channel) (*Session, error) {
	if err := channel.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.active; s != nil && !s.finished() {
		if s.channel.Key() != channel.Key() {
			return nil, ErrBusy
		}
		m.cfg.Logger.Debug("attaching to running session", map[string]any{
			"session_id": s.id,
		})
		return s, nil
	}

	s := newSession(m, uuid.NewString(), channel)
	m.active = s
	m.cfg.Metrics.IncSessionStarted()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

// Active returns the most recent session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// recover repairs the install root once per manager, before the first
// session touches it.
func (m *Manager) recover() error {
	m.mu.Lock()
	done := m.recovered
	m.mu.Unlock()
	if done {
		return nil
	}

	action, err := m.cfg.Installer.Recover()
	if err != nil {
		return err
	}
	if action != install.RecoveryNone {
		m.cfg.Logger.Info("install root recovered before update", map[string]any{
			"action": string(action),
		})
	}

	m.mu.Lock()
	m.recovered = true
	m.mu.Unlock()
	return nil
}

// forgetRecovery makes the next session run Recover again. A failed
// install may leave the root mid-swap.
func (m *Manager) forgetRecovery() {
	m.mu.Lock()
	m.recovered = false
	m.mu.Unlock()
}
