// Package manifest fetches channel manifests from the release tracking service.
//
// The client performs exactly one HTTP request per call. Retry policy
// belongs to the caller.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/types"
)

// DefaultTimeout bounds a single manifest request.
const DefaultTimeout = 30 * time.Second

// maxManifestBytes caps the response body read into memory.
const maxManifestBytes = 1 << 20

// Config configures the manifest client.
type Config struct {
	// BaseURL is the release service root, e.g. "https://releases.example.com".
	BaseURL string
	// Timeout bounds each request (default 30s).
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client fetches VersionManifests.
type Client struct {
	base    *url.URL
	timeout time.Duration
	http    *http.Client
}

// New creates a manifest client. Returns an error if BaseURL is not absolute.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid release server URL: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("release server URL must be absolute, got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{base: base, timeout: cfg.Timeout, http: client}, nil
}

// wireManifest is the response body shape. Pointer fields detect absence.
type wireManifest struct {
	Version     *string `json:"version"`
	ArtifactURL *string `json:"artifact_url"`
	SizeBytes   *int64  `json:"size_bytes"`
	Digest      *string `json:"digest"`
	PublishedAt *string `json:"published_at"`
}

// FetchManifest returns the current manifest for channel.
//
// Errors:
//   - types.ErrNetwork: transport failure, timeout, 5xx or 429
//   - types.ErrNotFound: the service does not know the channel
//   - types.ErrProtocol: any other status, malformed JSON, or missing fields
func (c *Client) FetchManifest(ctx context.Context, channel types.Channel) (*types.VersionManifest, error) {
	const op = "fetch_manifest"

	if err := channel.Validate(); err != nil {
		return nil, types.NewError(types.ErrProtocol, op, "", err)
	}

	endpoint := c.endpoint(channel)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, types.NewError(types.ErrProtocol, op, endpoint.String(), err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", types.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, types.NewError(types.ErrCanceled, op, endpoint.String(), err)
		}
		return nil, types.NewError(types.ErrNetwork, op, endpoint.String(), err)
	}
	defer iox.DiscardClose(resp.Body)

	if err := classifyStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return nil, types.NewError(err, op, endpoint.String(), fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, op, endpoint.String(), err)
	}
	if len(body) > maxManifestBytes {
		return nil, types.Errorf(types.ErrProtocol, op, "manifest exceeds %d bytes", maxManifestBytes)
	}

	m, err := c.decode(body, channel)
	if err != nil {
		return nil, types.NewError(types.ErrProtocol, op, endpoint.String(), err)
	}
	return m, nil
}

func (c *Client) endpoint(channel types.Channel) *url.URL {
	u := c.base.JoinPath("channels", channel.Name, "manifest")
	q := url.Values{}
	if channel.Platform != "" {
		q.Set("platform", channel.Platform)
	}
	if channel.Arch != "" {
		q.Set("arch", channel.Arch)
	}
	u.RawQuery = q.Encode()
	return u
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return types.ErrNotFound
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return types.ErrNetwork
	default:
		return types.ErrProtocol
	}
}

func (c *Client) decode(body []byte, channel types.Channel) (*types.VersionManifest, error) {
	var w wireManifest
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	var missing []string
	if w.Version == nil {
		missing = append(missing, "version")
	}
	if w.ArtifactURL == nil {
		missing = append(missing, "artifact_url")
	}
	if w.SizeBytes == nil {
		missing = append(missing, "size_bytes")
	}
	if w.Digest == nil {
		missing = append(missing, "digest")
	}
	if w.PublishedAt == nil {
		missing = append(missing, "published_at")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}

	publishedAt, err := time.Parse(time.RFC3339, *w.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("published_at: %w", err)
	}

	artifact, err := c.base.Parse(*w.ArtifactURL)
	if err != nil {
		return nil, fmt.Errorf("artifact_url: %w", err)
	}

	m := &types.VersionManifest{
		Channel:     channel,
		Version:     *w.Version,
		ArtifactURL: artifact.String(),
		SizeBytes:   *w.SizeBytes,
		Digest:      *w.Digest,
		PublishedAt: publishedAt,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
