// Package redis announces release events over Redis pub/sub.
//
// Each event is published to the base channel and to a per-release-channel
// topic, "<base>:<channel key>", so a launcher fleet can subscribe to just
// the stream it follows. With KeepLatest the payload is also stored under
// "<base>:latest:<channel key>" for subscribers that connect late.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/skiff/adapter"
	"github.com/justapithecus/skiff/types"
)

// DefaultChannel is the base pub/sub channel.
const DefaultChannel = "skiff:release_published"

// DefaultTimeout bounds each publish attempt.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db] (required).
	URL string
	// Channel is the base channel (default DefaultChannel).
	Channel    string
	KeepLatest bool
	Timeout    time.Duration
	// Retries is the number of attempts after the first.
	Retries int
	// Backoff is the first retry delay (default adapter.DefaultBackoff).
	Backoff time.Duration
}

// Adapter is a Redis publisher.
type Adapter struct {
	cfg    Config
	client *goredis.Client
}

// New validates cfg and returns an adapter. It does not dial.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{cfg: cfg, client: goredis.NewClient(opts)}, nil
}

// Topic returns the per-release-channel topic for event.
func (a *Adapter) Topic(event *adapter.ReleasePublishedEvent) string {
	return a.cfg.Channel + ":" + channelKey(event)
}

// LatestKey returns the key holding the last event of event's channel.
func (a *Adapter) LatestKey(event *adapter.ReleasePublishedEvent) string {
	return a.cfg.Channel + ":latest:" + channelKey(event)
}

func channelKey(event *adapter.ReleasePublishedEvent) string {
	return types.Channel{Name: event.Channel, Platform: event.Platform, Arch: event.Arch}.Key()
}

// Publish sends the event in one pipeline per attempt.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ReleasePublishedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	attempts := 0
	err = adapter.Retry(ctx, a.cfg.Retries, a.cfg.Backoff, func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		pipe := a.client.TxPipeline()
		if a.cfg.KeepLatest {
			pipe.Set(attemptCtx, a.LatestKey(event), body, 0)
		}
		pipe.Publish(attemptCtx, a.cfg.Channel, body)
		if event.Channel != "" {
			pipe.Publish(attemptCtx, a.Topic(event), body)
		}
		_, err := pipe.Exec(attemptCtx)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s failed after %d attempts: %w", event.PublishID, attempts, err)
	}
	return nil
}

// Close closes the connection pool.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
