package updater

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/justapithecus/skiff/download"
	"github.com/justapithecus/skiff/install"
	"github.com/justapithecus/skiff/manifest"
	"github.com/justapithecus/skiff/metrics"
	"github.com/justapithecus/skiff/types"
)

// releaseServer is a fake release service for one channel.
type releaseServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	version  string
	archive  []byte
	declared int64
	// corrupt is the number of artifact responses to corrupt; -1 corrupts all.
	corrupt int
	// broken is the number of releases served as a truncated archive with a
	// matching manifest, so verification passes and extraction fails; -1
	// breaks all.
	broken int
	// manifestFailures is the number of manifest requests answered with 503.
	manifestFailures int
	manifestHits     int
	artifactHits     int
	garbage          bool
	// gate, when set, holds artifact responses until closed.
	gate chan struct{}
	// stall writes half the artifact and then hangs.
	stall bool
}

func newReleaseServer(t *testing.T) *releaseServer {
	t.Helper()
	rs := &releaseServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/nightly/manifest", rs.serveManifest)
	mux.HandleFunc("/artifacts/game.zip", rs.serveArtifact)
	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *releaseServer) publish(t *testing.T, version string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.version = version
	rs.archive = buf.Bytes()
	rs.declared = int64(buf.Len())
}

// truncated is the archive cut before its central directory.
func (rs *releaseServer) truncated() []byte {
	return append([]byte(nil), rs.archive[:len(rs.archive)/2]...)
}

// set mutates the server under its lock.
func (rs *releaseServer) set(fn func(rs *releaseServer)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(rs)
}

func (rs *releaseServer) hits() (manifests, artifacts int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.manifestHits, rs.artifactHits
}

func (rs *releaseServer) serveManifest(w http.ResponseWriter, _ *http.Request) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.manifestHits++

	if rs.manifestFailures > 0 {
		rs.manifestFailures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if rs.garbage {
		_, _ = w.Write([]byte(`{"version": 12`))
		return
	}
	archive, declared := rs.archive, rs.declared
	if rs.broken != 0 {
		archive = rs.truncated()
		declared = int64(len(archive))
	}
	sum := sha256.Sum256(archive)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":      rs.version,
		"artifact_url": "/artifacts/game.zip",
		"size_bytes":   declared,
		"digest":       "sha256:" + hex.EncodeToString(sum[:]),
		"published_at": "2026-01-01T00:00:00Z",
	})
}

func (rs *releaseServer) serveArtifact(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	rs.artifactHits++
	body := append([]byte(nil), rs.archive...)
	if rs.broken != 0 {
		body = rs.truncated()
		if rs.broken > 0 {
			rs.broken--
		}
	}
	if rs.corrupt != 0 {
		body[len(body)/2] ^= 0xff
		if rs.corrupt > 0 {
			rs.corrupt--
		}
	}
	gate, stall := rs.gate, rs.stall
	rs.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if stall {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	http.ServeContent(w, r, "game.zip", time.Time{}, bytes.NewReader(body))
}

type harness struct {
	rs      *releaseServer
	root    string
	metrics *metrics.Collector
	mgr     *Manager
}

type harnessOption func(*Config, *download.Config, *install.Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	rs := newReleaseServer(t)
	root := t.TempDir()
	col := metrics.NewCollector("launcher", "nightly", "")

	client, err := manifest.New(manifest.Config{BaseURL: rs.srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("manifest.New: %v", err)
	}
	cfg := Config{
		Manifests: client,
		Retries:   2,
		Backoff:   Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		Metrics:   col,
	}
	dcfg := download.Config{}
	icfg := install.Config{Root: root, Hook: install.NoopHook{}}
	for _, opt := range opts {
		opt(&cfg, &dcfg, &icfg)
	}
	cfg.Downloader = download.New(dcfg)
	cfg.Installer = install.New(icfg)

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{rs: rs, root: root, metrics: col, mgr: mgr}
}

func (h *harness) run(t *testing.T) (*Session, *Result) {
	t.Helper()
	s, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("nightly"))
	if err != nil {
		t.Fatalf("StartUpdateCheck: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return s, res
}

// history subscribes to a finished session and returns the replayed events.
func history(t *testing.T, s *Session) []types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var events []types.Event
	for ev := range s.Subscribe(ctx) {
		events = append(events, ev)
	}
	return events
}

func phases(events []types.Event) []types.Phase {
	var out []types.Phase
	for _, ev := range events {
		if n := len(out); n > 0 && out[n-1] == ev.Phase {
			continue
		}
		out = append(out, ev.Phase)
	}
	return out
}

func assertPhases(t *testing.T, got []types.Phase, want ...types.Phase) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestSession_InstallsNewVersion(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1233", map[string]string{"game.bin": "old build"})
	if _, res := h.run(t); res.Phase != types.PhaseReady {
		t.Fatalf("seed install phase = %s, err = %v", res.Phase, res.Err)
	}

	h.rs.publish(t, "b1234", map[string]string{"game.bin": "new build"})
	s, res := h.run(t)

	if res.Phase != types.PhaseReady {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	assertPhases(t, phases(history(t, s)),
		types.PhaseCheckingForUpdate,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseInstalling,
		types.PhaseReady,
		types.PhaseIdle,
	)

	rec, err := install.LoadRecord(h.root)
	if err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	if rec.Version != "b1234" || rec.PreviousVersion != "b1233" {
		t.Errorf("record = %+v", rec)
	}
	if got := readFile(t, filepath.Join(h.root, "current", "game.bin")); got != "new build" {
		t.Errorf("current = %q", got)
	}
	if got := readFile(t, filepath.Join(h.root, "previous", "game.bin")); got != "old build" {
		t.Errorf("previous = %q", got)
	}
	if _, err := os.Stat(filepath.Join(h.root, "download.part")); !os.IsNotExist(err) {
		t.Errorf("download not discarded after install: %v", err)
	}
	if s.Phase() != types.PhaseIdle {
		t.Errorf("Phase() = %s, want idle", s.Phase())
	}

	snap := h.metrics.Snapshot()
	if snap.SessionsStarted != 2 || snap.SessionsReady != 2 {
		t.Errorf("sessions started/ready = %d/%d", snap.SessionsStarted, snap.SessionsReady)
	}
	if snap.BytesDownloaded == 0 {
		t.Error("BytesDownloaded = 0")
	}
}

func TestSession_UpToDate(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.run(t)

	game := filepath.Join(h.root, "current", "game.bin")
	before, err := os.Stat(game)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	_, hits := h.rs.hits()

	s, res := h.run(t)
	if res.Phase != types.PhaseUpToDate {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	assertPhases(t, phases(history(t, s)),
		types.PhaseCheckingForUpdate,
		types.PhaseUpToDate,
		types.PhaseIdle,
	)

	after, err := os.Stat(game)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("current/ was touched")
	}
	if _, err := os.Stat(filepath.Join(h.root, "previous")); !os.IsNotExist(err) {
		t.Error("previous/ created by an up-to-date session")
	}
	if _, got := h.rs.hits(); got != hits {
		t.Error("artifact fetched by an up-to-date session")
	}
	if got := h.metrics.Snapshot().SessionsUpToDate; got != 1 {
		t.Errorf("SessionsUpToDate = %d", got)
	}
}

func TestSession_SizeMismatch(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.declared += 10 })

	s, res := h.run(t)
	if res.Phase != types.PhaseFailed || !errors.Is(res.Err, types.ErrSizeMismatch) {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	events := history(t, s)
	last := events[len(events)-1]
	if last.Phase != types.PhaseFailed || last.ErrKind != types.KindSizeMismatch {
		t.Errorf("last event = %+v", last)
	}
	if _, err := os.Stat(filepath.Join(h.root, "current")); !os.IsNotExist(err) {
		t.Error("current/ created by a failed session")
	}
	if _, err := os.Stat(download.SidecarPath(filepath.Join(h.root, "download.part"))); !os.IsNotExist(err) {
		t.Error("sidecar kept after size mismatch")
	}
	if _, got := h.rs.hits(); got != 1 {
		t.Errorf("artifact hits = %d, size mismatch must not be retried", got)
	}

	s.Acknowledge()
	if s.Phase() != types.PhaseIdle {
		t.Errorf("Phase() after Acknowledge = %s", s.Phase())
	}
}

func TestSession_DigestMismatchRedownloadsOnce(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.corrupt = 1 })

	s, res := h.run(t)
	if res.Phase != types.PhaseReady {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	assertPhases(t, phases(history(t, s)),
		types.PhaseCheckingForUpdate,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseInstalling,
		types.PhaseReady,
		types.PhaseIdle,
	)
	if _, got := h.rs.hits(); got != 2 {
		t.Errorf("artifact hits = %d, want 2 full downloads", got)
	}
	snap := h.metrics.Snapshot()
	if snap.DigestMismatches != 1 || snap.Redownloads != 1 {
		t.Errorf("mismatches/redownloads = %d/%d", snap.DigestMismatches, snap.Redownloads)
	}
}

func TestSession_DigestMismatchTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.corrupt = -1 })

	s, res := h.run(t)
	if res.Phase != types.PhaseFailed || !errors.Is(res.Err, types.ErrDigestMismatch) {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	assertPhases(t, phases(history(t, s)),
		types.PhaseCheckingForUpdate,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseFailed,
	)
	if _, err := os.Stat(filepath.Join(h.root, "download.part")); !os.IsNotExist(err) {
		t.Error("corrupt download kept")
	}
	if got := h.metrics.Snapshot().FailedByKind[string(types.KindDigestMismatch)]; got != 1 {
		t.Errorf("FailedByKind[digest_mismatch] = %d", got)
	}
}

func TestSession_CorruptArchiveRedownloadsOnce(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.broken = 1 })

	s, res := h.run(t)
	if res.Phase != types.PhaseReady {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	assertPhases(t, phases(history(t, s)),
		types.PhaseCheckingForUpdate,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseInstalling,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseInstalling,
		types.PhaseReady,
		types.PhaseIdle,
	)
	if got := readFile(t, filepath.Join(h.root, "current", "game.bin")); got != "build" {
		t.Errorf("current = %q", got)
	}
	manifests, artifacts := h.rs.hits()
	if manifests != 2 || artifacts != 2 {
		t.Errorf("manifest/artifact hits = %d/%d, want a fresh manifest and one redownload", manifests, artifacts)
	}
	snap := h.metrics.Snapshot()
	if snap.Redownloads != 1 || snap.DigestMismatches != 0 {
		t.Errorf("redownloads/mismatches = %d/%d", snap.Redownloads, snap.DigestMismatches)
	}
}

func TestSession_CorruptArchiveTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1233", map[string]string{"game.bin": "old build"})
	if _, res := h.run(t); res.Phase != types.PhaseReady {
		t.Fatalf("seed install phase = %s, err = %v", res.Phase, res.Err)
	}

	h.rs.publish(t, "b1234", map[string]string{"game.bin": "new build"})
	h.rs.set(func(rs *releaseServer) { rs.broken = -1 })

	s, res := h.run(t)
	if res.Phase != types.PhaseFailed || !errors.Is(res.Err, types.ErrExtraction) {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	assertPhases(t, phases(history(t, s)),
		types.PhaseCheckingForUpdate,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseInstalling,
		types.PhaseDownloading,
		types.PhaseVerifying,
		types.PhaseInstalling,
		types.PhaseFailed,
	)

	if got := readFile(t, filepath.Join(h.root, "current", "game.bin")); got != "old build" {
		t.Errorf("current = %q, want the old build untouched", got)
	}
	rec, err := install.LoadRecord(h.root)
	if err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	if rec.Version != "b1233" {
		t.Errorf("record version = %q", rec.Version)
	}
	for _, leftover := range []string{"staging", "download.part", "install.record.pending"} {
		if _, err := os.Stat(filepath.Join(h.root, leftover)); !os.IsNotExist(err) {
			t.Errorf("%s left behind", leftover)
		}
	}
	if got := h.metrics.Snapshot().FailedByKind[string(types.KindExtraction)]; got != 1 {
		t.Errorf("FailedByKind[extraction] = %d", got)
	}
	h.mgr.mu.Lock()
	recovered := h.mgr.recovered
	h.mgr.mu.Unlock()
	if recovered {
		t.Error("a failed install must make the next session run recovery")
	}
}

func TestSession_NetworkRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.manifestFailures = 100 })

	_, res := h.run(t)
	if res.Phase != types.PhaseFailed || !errors.Is(res.Err, types.ErrNetwork) {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	if got, _ := h.rs.hits(); got != 3 {
		t.Errorf("manifest hits = %d, want 1 attempt + 2 retries", got)
	}
	if got := h.metrics.Snapshot().NetworkRetries; got != 2 {
		t.Errorf("NetworkRetries = %d", got)
	}
}

func TestSession_NetworkRetryRecovers(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.manifestFailures = 2 })

	_, res := h.run(t)
	if res.Phase != types.PhaseReady {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
}

func TestSession_ProtocolErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	h.rs.set(func(rs *releaseServer) { rs.garbage = true })

	_, res := h.run(t)
	if res.Phase != types.PhaseFailed || !errors.Is(res.Err, types.ErrProtocol) {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	if got, _ := h.rs.hits(); got != 1 {
		t.Errorf("manifest hits = %d, protocol errors must not be retried", got)
	}
}

func TestSession_ProgressNeverRegressesWithinPhase(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *download.Config, _ *install.Config) {
		d.BufferSize = 512
	})
	files := map[string]string{}
	for i := range 64 {
		files[filepath.Join("data", strconv.Itoa(i)+".bin")] = string(bytes.Repeat([]byte{byte(i)}, 4096))
	}
	h.rs.publish(t, "b1234", files)
	h.rs.set(func(rs *releaseServer) { rs.corrupt = 1 })

	s, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("nightly"))
	if err != nil {
		t.Fatalf("StartUpdateCheck: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	var prev types.Event
	for ev := range s.Subscribe(ctx) {
		if ev.Progress < 0 || ev.Progress > 1 {
			t.Errorf("progress %v out of range", ev.Progress)
		}
		if ev.Phase == prev.Phase && ev.Progress < prev.Progress {
			t.Errorf("%s progress regressed: %v -> %v", ev.Phase, prev.Progress, ev.Progress)
		}
		prev = ev
	}
	if res := s.Result(); res == nil || res.Phase != types.PhaseReady {
		t.Fatalf("result = %+v", res)
	}
}

func TestSession_HookWarningIsNotFatal(t *testing.T) {
	h := newHarness(t, func(_ *Config, _ *download.Config, i *install.Config) {
		i.Hook = failingHook{}
	})
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})

	s, res := h.run(t)
	if res.Phase != types.PhaseReady {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	var warned bool
	for _, ev := range history(t, s) {
		if ev.Warning != "" {
			warned = true
		}
	}
	if !warned {
		t.Error("no warning event emitted")
	}
	if got := h.metrics.Snapshot().HookWarnings; got != 1 {
		t.Errorf("HookWarnings = %d", got)
	}
}

type failingHook struct{}

func (failingHook) Name() string { return "failing" }

func (failingHook) Run(context.Context, string) error { return errors.New("patch failed") }

func TestManager_SecondTriggerAttaches(t *testing.T) {
	h := newHarness(t)
	h.rs.publish(t, "b1234", map[string]string{"game.bin": "build"})
	gate := make(chan struct{})
	h.rs.set(func(rs *releaseServer) { rs.gate = gate })

	first, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("nightly"))
	if err != nil {
		t.Fatalf("StartUpdateCheck: %v", err)
	}
	second, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("nightly"))
	if err != nil {
		t.Fatalf("second StartUpdateCheck: %v", err)
	}
	if first != second {
		t.Fatal("second trigger started a new session")
	}
	if _, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("weekly")); !errors.Is(err, ErrBusy) {
		t.Errorf("other channel err = %v, want ErrBusy", err)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	if res, err := first.Wait(ctx); err != nil || res.Phase != types.PhaseReady {
		t.Fatalf("Wait = %+v, %v", res, err)
	}
	if _, got := h.rs.hits(); got != 1 {
		t.Errorf("artifact hits = %d, want one shared download", got)
	}

	third, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("nightly"))
	if err != nil {
		t.Fatalf("third StartUpdateCheck: %v", err)
	}
	if third == first {
		t.Error("terminal session reused")
	}
	if _, err := third.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSession_CancelKeepsPartialDownload(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *download.Config, _ *install.Config) {
		d.FlushInterval = time.Nanosecond
		d.BufferSize = 256
	})
	files := map[string]string{"game.bin": string(bytes.Repeat([]byte("skiff"), 4096))}
	h.rs.publish(t, "b1234", files)
	h.rs.set(func(rs *releaseServer) { rs.stall = true })

	s, err := h.mgr.StartUpdateCheck(t.Context(), types.NewChannel("nightly"))
	if err != nil {
		t.Fatalf("StartUpdateCheck: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	for ev := range s.Subscribe(ctx) {
		if ev.Phase == types.PhaseDownloading && ev.BytesDone > 0 {
			s.Cancel()
		}
	}
	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Phase != types.PhaseFailed || types.KindOf(res.Err) != types.KindCanceled {
		t.Fatalf("phase = %s, err = %v", res.Phase, res.Err)
	}
	state, err := download.ReadSidecar(filepath.Join(h.root, "download.part"))
	if err != nil {
		t.Fatalf("sidecar after cancel: %v", err)
	}
	if state.BytesReceived == 0 {
		t.Error("sidecar records no progress")
	}
	if got := h.metrics.Snapshot().SessionsCanceled; got != 1 {
		t.Errorf("SessionsCanceled = %d", got)
	}
}
