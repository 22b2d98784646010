package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/justapithecus/skiff/install"
	"github.com/justapithecus/skiff/types"
)

// Defaults applied by WithDefaults.
const (
	DefaultChannel         = "nightly"
	DefaultRetries         = 5
	DefaultBackoffInitial  = 500 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultBackoffFactor   = 2.0
	DefaultRequestTimeout  = 30 * time.Second
	DefaultChunkTimeout    = 60 * time.Second
	DefaultSidecarInterval = 5 * time.Second
	DefaultListen          = ":8080"
	DefaultLedgerDataset   = "releases"
	DefaultAdapterTimeout  = 10 * time.Second
	DefaultAdapterRetries  = 3
	DefaultLogMaxSizeMB    = 10
	DefaultLogMaxBackups   = 3

	// RootEnv overrides the install root.
	RootEnv = "SKIFF_ROOT"
)

// Config represents a skiff.yaml configuration file.
// Both sections are optional; each binary reads its own.
// CLI flags always override config values.
type Config struct {
	Launcher LauncherConfig `yaml:"launcher"`
	Server   ServerConfig   `yaml:"server"`
}

// LauncherConfig holds launcher settings.
type LauncherConfig struct {
	Server          string        `yaml:"server"`
	Channel         string        `yaml:"channel"`
	Platform        string        `yaml:"platform"`
	Arch            string        `yaml:"arch"`
	Root            string        `yaml:"root"`
	Retries         *int          `yaml:"retries,omitempty"`
	Backoff         BackoffConfig `yaml:"backoff"`
	RequestTimeout  Duration      `yaml:"request_timeout"`
	ChunkTimeout    Duration      `yaml:"chunk_timeout"`
	SidecarInterval Duration      `yaml:"sidecar_interval"`
	ExpectedEntries []string      `yaml:"expected_entries,omitempty"`
	Preserve        []string      `yaml:"preserve,omitempty"`
	Hook            HookConfig    `yaml:"hook"`
	Log             LogConfig     `yaml:"log"`
}

// BackoffConfig holds network retry pacing.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
}

// HookConfig selects the post-install hook.
type HookConfig struct {
	Kind        string   `yaml:"kind"`
	Executables []string `yaml:"executables,omitempty"`
	Patcher     []string `yaml:"patcher,omitempty"`
	PatcherEnv  []string `yaml:"patcher_env,omitempty"`
}

// LogConfig configures the launcher log file.
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ServerConfig holds release service settings.
type ServerConfig struct {
	Listen     string        `yaml:"listen"`
	PublicURL  string        `yaml:"public_url"`
	AdminToken string        `yaml:"admin_token"`
	Storage    StorageConfig `yaml:"storage"`
	Ledger     LedgerConfig  `yaml:"ledger"`
	Adapter    AdapterConfig `yaml:"adapter"`
	Log        LogConfig     `yaml:"log"`
}

// StorageConfig locates artifact bytes.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// LedgerConfig locates the publish ledger. An empty Path with an s3
// storage backend stores the ledger in the artifact bucket.
type LedgerConfig struct {
	Dataset string `yaml:"dataset"`
	Path    string `yaml:"path"`
}

// AdapterConfig holds publish notification settings.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	// Secret signs webhook deliveries.
	Secret string `yaml:"secret,omitempty"`
	// Channel and KeepLatest apply to the redis adapter.
	Channel    string `yaml:"channel,omitempty"`
	KeepLatest bool   `yaml:"keep_latest,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func orDuration(d Duration, def time.Duration) Duration {
	if d.Duration <= 0 {
		return Duration{def}
	}
	return d
}

func intPtr(n int) *int { return &n }

// WithDefaults returns a copy with every unset field defaulted.
// The install root is resolved last, since it depends on the channel.
func (c LauncherConfig) WithDefaults() LauncherConfig {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Retries == nil {
		c.Retries = intPtr(DefaultRetries)
	}
	c.Backoff.Initial = orDuration(c.Backoff.Initial, DefaultBackoffInitial)
	c.Backoff.Max = orDuration(c.Backoff.Max, DefaultBackoffMax)
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = DefaultBackoffFactor
	}
	c.RequestTimeout = orDuration(c.RequestTimeout, DefaultRequestTimeout)
	c.ChunkTimeout = orDuration(c.ChunkTimeout, DefaultChunkTimeout)
	c.SidecarInterval = orDuration(c.SidecarInterval, DefaultSidecarInterval)
	if c.Preserve == nil {
		c.Preserve = append([]string(nil), install.DefaultPreserve...)
	}
	if c.Hook.Kind == "" {
		c.Hook.Kind = string(install.HookAuto)
	}
	c.Log = c.Log.withDefaults()
	if c.Root == "" {
		c.Root = DefaultRoot(c.Channel)
	}
	return c
}

// Validate reports configuration errors the launcher cannot run with.
func (c LauncherConfig) Validate() error {
	if c.Server == "" {
		return errors.Join(errors.New("launcher.server is required"), c.ValidateLocal())
	}
	return c.ValidateLocal()
}

// ValidateLocal checks everything except the server URL, for commands
// that only touch the install root.
func (c LauncherConfig) ValidateLocal() error {
	var errs []error
	if err := c.TargetChannel().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("launcher.channel: %w", err))
	}
	if c.Root == "" {
		errs = append(errs, errors.New("launcher.root could not be resolved"))
	}
	if c.Backoff.Max.Duration < c.Backoff.Initial.Duration {
		errs = append(errs, fmt.Errorf("launcher.backoff.max (%s) is below backoff.initial (%s)",
			c.Backoff.Max, c.Backoff.Initial))
	}
	if c.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("launcher.backoff.multiplier must be >= 1, got %g", c.Backoff.Multiplier))
	}
	if _, err := install.SelectHook(c.InstallHook()); err != nil {
		errs = append(errs, fmt.Errorf("launcher.hook: %w", err))
	}
	return errors.Join(errs...)
}

// TargetChannel returns the configured channel. Empty platform and arch
// target the running system.
func (c LauncherConfig) TargetChannel() types.Channel {
	ch := types.NewChannel(c.Channel)
	if c.Platform != "" {
		ch.Platform = c.Platform
	}
	if c.Arch != "" {
		ch.Arch = c.Arch
	}
	return ch
}

// InstallHook converts the hook section for install.SelectHook.
func (c LauncherConfig) InstallHook() install.HookConfig {
	return install.HookConfig{
		Kind:        install.HookKind(c.Hook.Kind),
		Executables: c.Hook.Executables,
		Patcher:     c.Hook.Patcher,
		PatcherEnv:  c.Hook.PatcherEnv,
	}
}

// DefaultRoot resolves the install root: $SKIFF_ROOT if set, otherwise
// <user data dir>/skiff/<channel>. Returns "" if neither is available.
func DefaultRoot(channel string) string {
	if root := os.Getenv(RootEnv); root != "" {
		return root
	}
	dir, err := userDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "skiff", channel)
}

// userDataDir follows XDG on linux and uses the platform config
// directory elsewhere.
func userDataDir() (string, error) {
	if runtime.GOOS != "linux" {
		return os.UserConfigDir()
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

func (l LogConfig) withDefaults() LogConfig {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = DefaultLogMaxBackups
	}
	return l
}

// WithDefaults returns a copy with every unset field defaulted.
func (c ServerConfig) WithDefaults() ServerConfig {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "fs"
	}
	if c.Ledger.Dataset == "" {
		c.Ledger.Dataset = DefaultLedgerDataset
	}
	if c.Ledger.Path == "" && c.Storage.Backend == "fs" {
		c.Ledger.Path = c.Storage.Path
	}
	if c.Adapter.Type != "" {
		c.Adapter.Timeout = orDuration(c.Adapter.Timeout, DefaultAdapterTimeout)
		if c.Adapter.Retries == nil {
			c.Adapter.Retries = intPtr(DefaultAdapterRetries)
		}
	}
	c.Log = c.Log.withDefaults()
	return c
}

// Validate reports configuration errors the server cannot run with.
func (c ServerConfig) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("server.storage.path is required for the fs backend"))
		}
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("server.storage.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.storage.backend must be fs or s3, got %q", c.Storage.Backend))
	}
	switch c.Adapter.Type {
	case "":
	case "webhook", "redis":
		if c.Adapter.URL == "" {
			errs = append(errs, fmt.Errorf("server.adapter.url is required for %s", c.Adapter.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("server.adapter.type must be webhook or redis, got %q", c.Adapter.Type))
	}
	if c.AdminToken == "" {
		errs = append(errs, errors.New("server.admin_token is required"))
	}
	return errors.Join(errs...)
}
