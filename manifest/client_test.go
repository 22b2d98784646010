package manifest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/skiff/types"
)

const testDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func validBody(artifactURL string) string {
	return fmt.Sprintf(`{
		"version": "b1234",
		"artifact_url": %q,
		"size_bytes": 4096,
		"digest": %q,
		"published_at": "2024-05-01T12:00:00Z"
	}`, artifactURL, testDigest)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestFetchManifest_Success(t *testing.T) {
	var gotPath, gotQuery, gotUA string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(validBody("/artifacts/nightly/b1234.zip")))
	})

	ch := types.Channel{Name: "nightly", Platform: "linux", Arch: "amd64"}
	m, err := c.FetchManifest(t.Context(), ch)
	if err != nil {
		t.Fatalf("FetchManifest failed: %v", err)
	}

	if gotPath != "/channels/nightly/manifest" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "arch=amd64&platform=linux" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotUA != types.UserAgent {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if m.Version != "b1234" || m.SizeBytes != 4096 || m.Digest != testDigest {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if !strings.HasPrefix(m.ArtifactURL, "http://") || !strings.HasSuffix(m.ArtifactURL, "/artifacts/nightly/b1234.zip") {
		t.Errorf("relative artifact URL not resolved: %q", m.ArtifactURL)
	}
	if m.Channel != ch {
		t.Errorf("Channel = %+v", m.Channel)
	}
	if !m.PublishedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("PublishedAt = %v", m.PublishedAt)
	}
}

func TestFetchManifest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "unknown channel", status: http.StatusNotFound, body: `{"error":"no such channel"}`, wantErr: types.ErrNotFound},
		{name: "server error", status: http.StatusBadGateway, wantErr: types.ErrNetwork},
		{name: "throttled", status: http.StatusTooManyRequests, wantErr: types.ErrNetwork},
		{name: "bad request", status: http.StatusBadRequest, wantErr: types.ErrProtocol},
		{name: "garbled json", status: http.StatusOK, body: `{"version": `, wantErr: types.ErrProtocol},
		{name: "missing digest", status: http.StatusOK, body: `{"version":"b1","artifact_url":"/a","size_bytes":1,"published_at":"2024-05-01T12:00:00Z"}`, wantErr: types.ErrProtocol},
		{name: "wrong type", status: http.StatusOK, body: `{"version":"b1","artifact_url":"/a","size_bytes":"big","digest":"x","published_at":"2024-05-01T12:00:00Z"}`, wantErr: types.ErrProtocol},
		{name: "bad timestamp", status: http.StatusOK, body: strings.Replace(validBody("/a"), "2024-05-01T12:00:00Z", "yesterday", 1), wantErr: types.ErrProtocol},
		{name: "invalid digest", status: http.StatusOK, body: strings.Replace(validBody("/a"), testDigest, "md5:abc", 1), wantErr: types.ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.FetchManifest(t.Context(), types.Channel{Name: "nightly"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			var ue *types.UpdateError
			if !errors.As(err, &ue) || ue.Op != "fetch_manifest" {
				t.Errorf("expected UpdateError with op fetch_manifest, got %#v", err)
			}
		})
	}
}

func TestFetchManifest_MissingFieldsNamed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":"b1"}`))
	})

	_, err := c.FetchManifest(t.Context(), types.Channel{Name: "nightly"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"artifact_url", "size_bytes", "digest", "published_at"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name missing field %s", err, field)
		}
	}
}

func TestFetchManifest_TransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.FetchManifest(t.Context(), types.Channel{Name: "nightly"})
	if !errors.Is(err, types.ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
}

func TestFetchManifest_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(Config{BaseURL: ts.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.FetchManifest(t.Context(), types.Channel{Name: "nightly"})
	if !errors.Is(err, types.ErrNetwork) {
		t.Fatalf("timeout should surface as ErrNetwork, got %v", err)
	}
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "releases.example.com"}); err == nil {
		t.Error("expected error for relative base URL")
	}
}
