// Package release implements the release tracking service: one current
// manifest per channel, published by atomic pointer swap and served over
// HTTP together with the artifact bytes.
package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/skiff/adapter"
	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/metrics"
	"github.com/justapithecus/skiff/store"
	"github.com/justapithecus/skiff/types"
)

// Errors returned by Publish and Current.
var (
	// ErrInvalidPublish indicates a malformed publish request.
	ErrInvalidPublish = errors.New("invalid publish request")
	// ErrArtifactMismatch indicates the artifact is missing or not yet
	// fully uploaded.
	ErrArtifactMismatch = errors.New("artifact does not match manifest")
	// ErrUnknownChannel indicates no manifest has been published for the channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Ledger durably records publishes.
type Ledger interface {
	Append(ctx context.Context, m *types.VersionManifest) (store.PublishRecord, error)
	Restore(ctx context.Context) ([]store.PublishRecord, error)
}

// PublishRequest is the body of a publish.
type PublishRequest struct {
	Version string `json:"version"`
	// Artifact is the artifact's key in the store.
	Artifact    string    `json:"artifact"`
	SizeBytes   int64     `json:"size_bytes"`
	Digest      string    `json:"digest"`
	Platform    string    `json:"platform,omitempty"`
	Arch        string    `json:"arch,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// Config wires the registry.
type Config struct {
	Artifacts store.ArtifactStore
	// Ledger may be nil, in which case publishes do not survive a restart.
	Ledger Ledger
	// Notifier receives ReleasePublishedEvent after each swap. Nil disables it.
	Notifier adapter.Adapter
	// PublicURL prefixes artifact URLs. Empty yields server-relative URLs.
	PublicURL string
	// NotifyTimeout bounds each notification (default 30s).
	NotifyTimeout time.Duration
	Logger        *log.Logger
	Metrics       *metrics.Collector
	Now           func() time.Time
}

// Registry holds the current manifest of every channel.
//
// Reads take a shared lock on the pointer map. Publishes to one channel
// are serialized by a per-channel lock and the last writer wins; publishes
// to different channels proceed independently.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	current  map[string]*types.VersionManifest
	history  map[string][]store.PublishRecord
	channels map[string]*sync.Mutex

	notify sync.WaitGroup
}

// NewRegistry creates an empty registry. Call Restore to replay the ledger.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Artifacts == nil {
		return nil, errors.New("release: artifact store is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = adapter.Nop{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Registry{
		cfg:      cfg,
		current:  make(map[string]*types.VersionManifest),
		history:  make(map[string][]store.PublishRecord),
		channels: make(map[string]*sync.Mutex),
	}, nil
}

// Restore replays the ledger, rebuilding every channel's current pointer.
// Returns the number of records replayed.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.cfg.Ledger == nil {
		return 0, nil
	}
	records, err := r.cfg.Ledger.Restore(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		key := rec.Manifest.Channel.Key()
		m := rec.Manifest
		r.current[key] = &m
		r.history[key] = append(r.history[key], rec)
	}
	r.cfg.Logger.Info("publish ledger replayed", map[string]any{
		"records":  len(records),
		"channels": len(r.current),
	})
	return len(records), nil
}

func (r *Registry) channelLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.channels[key]
	if !ok {
		l = &sync.Mutex{}
		r.channels[key] = l
	}
	return l
}

// Publish makes req the channel's current manifest. The artifact must
// already be in the store with exactly req.SizeBytes bytes, so readers
// never see a manifest for a partial upload.
func (r *Registry) Publish(ctx context.Context, name string, req PublishRequest) (*types.VersionManifest, error) {
	m, err := r.manifestFor(ctx, name, req)
	if err != nil {
		r.cfg.Metrics.IncPublishRejected()
		return nil, err
	}
	key := m.Channel.Key()

	lock := r.channelLock(key)
	lock.Lock()
	defer lock.Unlock()

	var rec store.PublishRecord
	if r.cfg.Ledger != nil {
		rec, err = r.cfg.Ledger.Append(ctx, m)
		if err != nil {
			r.cfg.Metrics.IncLedgerWriteFailure()
			r.cfg.Metrics.IncPublishRejected()
			return nil, fmt.Errorf("record publish: %w", err)
		}
	} else {
		rec = store.PublishRecord{Manifest: *m, RecordedAt: r.cfg.Now().UTC()}
	}

	r.mu.Lock()
	prev := r.current[key]
	r.current[key] = m
	r.history[key] = append(r.history[key], rec)
	r.mu.Unlock()

	r.cfg.Metrics.IncPublishAccepted()
	fields := map[string]any{"channel": key, "version": m.Version, "seq": rec.Seq}
	if prev != nil {
		fields["previous"] = prev.Version
		if types.CompareVersions(m.Version, prev.Version) < 0 {
			r.cfg.Logger.Warn("channel moved to an older version", fields)
		}
	}
	r.cfg.Logger.Info("release published", fields)

	r.announce(rec, prev)
	return m, nil
}

func (r *Registry) manifestFor(ctx context.Context, name string, req PublishRequest) (*types.VersionManifest, error) {
	channel := types.Channel{Name: name, Platform: req.Platform, Arch: req.Arch}
	if err := channel.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublish, err)
	}
	if req.Artifact == "" {
		return nil, fmt.Errorf("%w: artifact is required", ErrInvalidPublish)
	}
	artifactKey, err := store.CleanKey(req.Artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublish, err)
	}

	publishedAt := req.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = r.cfg.Now()
	}
	m := &types.VersionManifest{
		Channel:     channel,
		Version:     req.Version,
		ArtifactURL: r.cfg.PublicURL + "/artifacts/" + artifactKey,
		SizeBytes:   req.SizeBytes,
		Digest:      req.Digest,
		PublishedAt: publishedAt.UTC().Truncate(time.Second),
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublish, err)
	}

	info, err := r.cfg.Artifacts.Stat(ctx, artifactKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrArtifactMismatch, artifactKey)
		}
		return nil, err
	}
	if info.Size != req.SizeBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, manifest declares %d",
			ErrArtifactMismatch, artifactKey, info.Size, req.SizeBytes)
	}
	return m, nil
}

// announce notifies downstream systems without holding up the publish.
func (r *Registry) announce(rec store.PublishRecord, prev *types.VersionManifest) {
	m := rec.Manifest
	event := &adapter.ReleasePublishedEvent{
		EventType:   adapter.EventTypeReleasePublished,
		PublishID:   rec.ID,
		Seq:         rec.Seq,
		Channel:     m.Channel.Name,
		Platform:    m.Channel.Platform,
		Arch:        m.Channel.Arch,
		Version:     m.Version,
		ArtifactURL: m.ArtifactURL,
		SizeBytes:   m.SizeBytes,
		Digest:      m.Digest,
		PublishedAt: m.PublishedAt.Format(time.RFC3339),
		Timestamp:   rec.RecordedAt.Format(time.RFC3339),
	}
	if prev != nil {
		event.PreviousVersion = prev.Version
	}

	r.notify.Add(1)
	go func() {
		defer r.notify.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NotifyTimeout)
		defer cancel()
		if err := r.cfg.Notifier.Publish(ctx, event); err != nil {
			r.cfg.Metrics.IncNotifyFailure()
			r.cfg.Logger.Warn("release notification failed", map[string]any{
				"channel": m.Channel.Key(),
				"version": m.Version,
				"error":   err.Error(),
			})
		}
	}()
}

// Current returns the manifest for channel, falling back from a
// platform-specific entry to the channel's generic entry.
func (r *Registry) Current(channel types.Channel) (*types.VersionManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.current[channel.Key()]; ok {
		return m, nil
	}
	if m, ok := r.current[channel.Generic().Key()]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel.Key())
}

// List returns every current manifest ordered by channel key.
func (r *Registry) List() []types.VersionManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.VersionManifest, 0, len(r.current))
	for _, m := range r.current {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel.Key() < out[j].Channel.Key() })
	return out
}

// History returns the publishes of one channel key in publish order.
func (r *Registry) History(channel types.Channel) []store.PublishRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]store.PublishRecord(nil), r.history[channel.Key()]...)
}

// Close waits for in-flight notifications and closes the notifier.
func (r *Registry) Close() error {
	r.notify.Wait()
	return r.cfg.Notifier.Close()
}
