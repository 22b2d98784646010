package release

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/metrics"
	"github.com/justapithecus/skiff/store"
	"github.com/justapithecus/skiff/types"
)

// maxPublishBytes caps the publish request body.
const maxPublishBytes = 64 << 10

// HandlerConfig wires the HTTP surface.
type HandlerConfig struct {
	Registry  *Registry
	Artifacts store.ArtifactStore
	// AdminToken guards publishes. Empty disables the publish endpoint.
	AdminToken string
	Logger     *log.Logger
	Metrics    *metrics.Collector
}

// Handler serves manifests and artifacts.
type Handler struct {
	cfg HandlerConfig
}

// manifestResponse is the wire form of a VersionManifest.
type manifestResponse struct {
	Channel     string `json:"channel"`
	Platform    string `json:"platform,omitempty"`
	Arch        string `json:"arch,omitempty"`
	Version     string `json:"version"`
	ArtifactURL string `json:"artifact_url"`
	SizeBytes   int64  `json:"size_bytes"`
	Digest      string `json:"digest"`
	PublishedAt string `json:"published_at"`
}

type historyEntry struct {
	PublishID  string           `json:"publish_id"`
	Seq        int64            `json:"seq"`
	RecordedAt string           `json:"recorded_at"`
	Manifest   manifestResponse `json:"manifest"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Handler{cfg: cfg}
}

// Router returns a router with every endpoint registered.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.logRequests)
	h.AddEndpoints(router)
	return router
}

// AddEndpoints registers the service endpoints on router.
func (h *Handler) AddEndpoints(router *mux.Router) {
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.metricsSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/channels", h.listChannels).Methods(http.MethodGet)
	router.HandleFunc("/channels/{channel}/manifest", h.getManifest).Methods(http.MethodGet)
	router.HandleFunc("/channels/{channel}/manifest", h.putManifest).Methods(http.MethodPut)
	router.HandleFunc("/channels/{channel}/history", h.getHistory).Methods(http.MethodGet)
	router.HandleFunc("/artifacts/{key:.+}", h.getArtifact).Methods(http.MethodGet, http.MethodHead)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Metrics.Snapshot())
}

func (h *Handler) listChannels(w http.ResponseWriter, _ *http.Request) {
	manifests := h.cfg.Registry.List()
	out := make([]manifestResponse, 0, len(manifests))
	for i := range manifests {
		out = append(out, toResponse(&manifests[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request) {
	channel := channelFromRequest(r)
	if err := channel.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.cfg.Registry.Current(channel)
	if err != nil {
		h.cfg.Metrics.IncManifestMiss()
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.cfg.Metrics.IncManifestServed()
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, toResponse(m))
}

func (h *Handler) putManifest(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
		return
	}

	var req PublishRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxPublishBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode publish request: %v", err))
		return
	}

	m, err := h.cfg.Registry.Publish(r.Context(), mux.Vars(r)["channel"], req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toResponse(m))
	case errors.Is(err, ErrInvalidPublish):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrArtifactMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.cfg.Logger.Error("publish failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "publish failed")
	}
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	channel := channelFromRequest(r)
	if err := channel.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := h.cfg.Registry.History(channel)
	out := make([]historyEntry, 0, len(records))
	for i := range records {
		out = append(out, historyEntry{
			PublishID:  records[i].ID,
			Seq:        records[i].Seq,
			RecordedAt: records[i].RecordedAt.UTC().Format(time.RFC3339),
			Manifest:   toResponse(&records[i].Manifest),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := store.CleanKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.cfg.Artifacts.Stat(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		h.cfg.Logger.Error("artifact stat failed", map[string]any{"key": key, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "artifact store unavailable")
		return
	}

	offset, length, ranged, ok := parseRange(r.Header.Get("Range"), info.Size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return
	}
	h.cfg.Metrics.IncArtifactRequest(ranged)

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	if info.ETag != "" {
		header.Set("ETag", info.ETag)
	}
	if !info.ModTime.IsZero() {
		header.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
	status := http.StatusOK
	if ranged {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, info.Size))
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	body, err := h.cfg.Artifacts.Open(r.Context(), key, offset, length)
	if err != nil {
		h.cfg.Logger.Error("artifact open failed", map[string]any{"key": key, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "artifact store unavailable")
		return
	}
	defer func() { _ = body.Close() }()

	w.WriteHeader(status)
	n, err := io.Copy(w, body)
	h.cfg.Metrics.AddArtifactBytesServed(n)
	if err != nil {
		h.cfg.Logger.Debug("artifact transfer interrupted", map[string]any{
			"key":   key,
			"sent":  n,
			"error": err.Error(),
		})
	}
}

// parseRange interprets a single-range "bytes=" header against size.
// Unsupported forms (multiple ranges, other units, malformed values) fall
// back to the full body. ok is false only for a well-formed range that
// lies entirely past the end.
func parseRange(header string, size int64) (offset, length int64, ranged, ok bool) {
	rng, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(rng, ",") {
		return 0, size, false, true
	}
	startStr, endStr, found := strings.Cut(strings.TrimSpace(rng), "-")
	if !found {
		return 0, size, false, true
	}

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix < 0 {
			return 0, size, false, true
		}
		if suffix == 0 || size == 0 {
			return 0, 0, false, false
		}
		suffix = min(suffix, size)
		return size - suffix, suffix, true, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, size, false, true
	}
	if start >= size {
		return 0, 0, false, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, size, false, true
		}
		end = min(end, size-1)
	}
	return start, end - start + 1, true, true
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.cfg.AdminToken == "" {
		return false
	}
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) == 1
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.cfg.Logger.Debug("request served", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func channelFromRequest(r *http.Request) types.Channel {
	q := r.URL.Query()
	return types.Channel{
		Name:     mux.Vars(r)["channel"],
		Platform: q.Get("platform"),
		Arch:     q.Get("arch"),
	}
}

func toResponse(m *types.VersionManifest) manifestResponse {
	return manifestResponse{
		Channel:     m.Channel.Name,
		Platform:    m.Channel.Platform,
		Arch:        m.Channel.Arch,
		Version:     m.Version,
		ArtifactURL: m.ArtifactURL,
		SizeBytes:   m.SizeBytes,
		Digest:      m.Digest,
		PublishedAt: m.PublishedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
