package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/skiff/adapter"
	"github.com/justapithecus/skiff/iox"
)

func testEvent() *adapter.ReleasePublishedEvent {
	return &adapter.ReleasePublishedEvent{
		EventType:       adapter.EventTypeReleasePublished,
		PublishID:       "0b8e5f5e-6d3c-4c57-9d51-1f3f0c4c2a10",
		Seq:             7,
		Channel:         "nightly",
		Version:         "b1234",
		PreviousVersion: "b1233",
		ArtifactURL:     "/artifacts/nightly/b1234.zip",
		SizeBytes:       1 << 20,
		Digest:          "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		PublishedAt:     "2026-02-07T12:00:00Z",
		Timestamp:       "2026-02-07T12:00:01Z",
	}
}

// delivery is one request seen by receiver.
type delivery struct {
	header http.Header
	body   []byte
}

// receiver answers deliveries with statuses in order, repeating the last.
type receiver struct {
	mu         sync.Mutex
	statuses   []int
	deliveries []delivery
	srv        *httptest.Server
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		n := len(r.deliveries)
		r.deliveries = append(r.deliveries, delivery{header: req.Header.Clone(), body: body})
		status := r.statuses[min(n, len(r.statuses)-1)]
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) seen() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func newAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { iox.DiscardClose(a) })
	return a
}

func TestPublish_DeliversEvent(t *testing.T) {
	r := newReceiver(t, http.StatusAccepted)
	a := newAdapter(t, Config{URL: r.srv.URL, Headers: map[string]string{"Authorization": "Bearer hook"}})

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	seen := r.seen()
	if len(seen) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(seen))
	}
	d := seen[0]

	var got adapter.ReleasePublishedEvent
	if err := json.Unmarshal(d.body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != *testEvent() {
		t.Errorf("event = %+v", got)
	}

	wantHeaders := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer hook",
		HeaderEvent:     adapter.EventTypeReleasePublished,
		HeaderDelivery:  testEvent().PublishID,
	}
	for k, v := range wantHeaders {
		if d.header.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, d.header.Get(k), v)
		}
	}
	if !strings.HasPrefix(d.header.Get("User-Agent"), "skiff/") {
		t.Errorf("User-Agent = %q", d.header.Get("User-Agent"))
	}
	if d.header.Get(HeaderSignature) != "" {
		t.Error("unsigned adapter sent a signature")
	}
}

func TestPublish_Signature(t *testing.T) {
	r := newReceiver(t, http.StatusOK)
	a := newAdapter(t, Config{URL: r.srv.URL, Secret: "hook-secret"})

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d := r.seen()[0]
	if got, want := d.header.Get(HeaderSignature), Sign("hook-secret", d.body); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
	if Sign("other", d.body) == Sign("hook-secret", d.body) {
		t.Error("signature does not depend on the secret")
	}
}

func TestPublish_RetryPolicy(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		retries      int
		wantErr      bool
		wantAttempts int
	}{
		{"2xx first try", []int{http.StatusNoContent}, 3, false, 1},
		{"5xx then ok", []int{500, 502, 200}, 3, false, 3},
		{"5xx exhausts", []int{503}, 2, true, 3},
		{"429 is retried", []int{429, 200}, 2, false, 2},
		{"408 is retried", []int{408, 200}, 2, false, 2},
		{"400 fails at once", []int{400}, 3, true, 1},
		{"401 fails at once", []int{401}, 3, true, 1},
		{"404 fails at once", []int{404}, 3, true, 1},
		{"no retries", []int{500}, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReceiver(t, tt.statuses...)
			a := newAdapter(t, Config{URL: r.srv.URL, Retries: tt.retries})

			err := a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish error = %v, wantErr %v", err, tt.wantErr)
			}
			seen := r.seen()
			if len(seen) != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", len(seen), tt.wantAttempts)
			}
			for _, d := range seen {
				if d.header.Get(HeaderDelivery) != testEvent().PublishID {
					t.Errorf("delivery id changed across retries: %q", d.header.Get(HeaderDelivery))
				}
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	a := newAdapter(t, Config{URL: srv.URL, Retries: 3})
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := a.Publish(ctx, testEvent())
	if err == nil || !strings.Contains(err.Error(), "abandoned") {
		t.Fatalf("expected abandoned delivery, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://hooks.example", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	a, err := New(Config{URL: "http://hooks.example"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.cfg.Timeout != DefaultTimeout || a.client.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v/%v, want %v", a.cfg.Timeout, a.client.Timeout, DefaultTimeout)
	}
}
