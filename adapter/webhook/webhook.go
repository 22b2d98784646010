// Package webhook delivers release events as signed JSON HTTP POSTs.
//
// Each delivery carries X-Skiff-Event and X-Skiff-Delivery (the publish ID,
// stable across retries so receivers can deduplicate). With a secret set,
// X-Skiff-Signature holds "sha256=" + hex HMAC-SHA256 of the body.
//
// Transport failures, 5xx, 408 and 429 are retried with exponential
// backoff. Other 4xx responses fail immediately.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/justapithecus/skiff/adapter"
	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/types"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Skiff-Event"
	HeaderDelivery  = "X-Skiff-Delivery"
	HeaderSignature = "X-Skiff-Signature"
)

// DefaultTimeout bounds each delivery attempt.
const DefaultTimeout = 10 * time.Second

// Config configures the webhook adapter.
type Config struct {
	// URL receives the POSTs (required).
	URL string
	// Secret signs each body. Empty sends unsigned deliveries.
	Secret  string
	Headers map[string]string
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries int
	// Backoff is the first retry delay (default adapter.DefaultBackoff).
	Backoff time.Duration
}

// Adapter is a webhook publisher.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New validates cfg and returns an adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Sign returns the X-Skiff-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// StatusError is a non-2xx delivery response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retryable reports whether the receiver may accept a later attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Publish delivers the event.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ReleasePublishedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	attempts := 0
	err = adapter.Retry(ctx, a.cfg.Retries, a.cfg.Backoff, func() error {
		attempts++
		err := a.deliver(ctx, event, body)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("webhook: delivery %s abandoned: %w", event.PublishID, err)
	default:
		return fmt.Errorf("webhook: delivery %s failed after %d attempts: %w", event.PublishID, attempts, err)
	}
}

func (a *Adapter) deliver(ctx context.Context, event *adapter.ReleasePublishedEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", types.UserAgent)
	req.Header.Set(HeaderEvent, event.EventType)
	req.Header.Set(HeaderDelivery, event.PublishID)
	if a.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(a.cfg.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
