// Package adapter defines the notification boundary of the release service.
//
// Adapters announce accepted publishes to downstream systems such as CI
// dashboards or launcher fleets. Notification is best-effort: a failed
// publish notification never rolls back the publish itself.
package adapter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EventTypeReleasePublished is the event_type of ReleasePublishedEvent.
const EventTypeReleasePublished = "release_published"

// ReleasePublishedEvent is the payload sent after a channel's current
// pointer moves to a new manifest.
type ReleasePublishedEvent struct {
	EventType       string `json:"event_type"` // always "release_published"
	PublishID       string `json:"publish_id"`
	Seq             int64  `json:"seq"`
	Channel         string `json:"channel"`
	Platform        string `json:"platform,omitempty"`
	Arch            string `json:"arch,omitempty"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	ArtifactURL     string `json:"artifact_url"`
	SizeBytes       int64  `json:"size_bytes"`
	Digest          string `json:"digest"`
	PublishedAt     string `json:"published_at"` // RFC 3339
	Timestamp       string `json:"timestamp"`    // RFC 3339, when the pointer moved
}

// Adapter publishes release events to a downstream system.
type Adapter interface {
	// Publish sends the event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ReleasePublishedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Nop discards events. Used when no adapter is configured.
type Nop struct{}

// Publish implements Adapter.
func (Nop) Publish(context.Context, *ReleasePublishedEvent) error { return nil }

// Close implements Adapter.
func (Nop) Close() error { return nil }

// DefaultBackoff is the delay before the first retry; later retries double it.
const DefaultBackoff = 500 * time.Millisecond

// Retry runs op once plus up to retries more times with exponential backoff.
// op marks non-retriable failures with backoff.Permanent.
func Retry(ctx context.Context, retries int, initial time.Duration, op func() error) error {
	if initial <= 0 {
		initial = DefaultBackoff
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}

var _ Adapter = Nop{}
