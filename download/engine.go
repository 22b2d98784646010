// Package download streams release artifacts to disk with resume support.
//
// A download of destination D keeps its progress in the sidecar D+".state".
// The sidecar is rewritten at a bounded interval, always after the bytes it
// describes have been fsynced, so a crash never records more bytes than are
// durable. A later call with a consistent sidecar resumes with a ranged request.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/types"
)

// Defaults for Config.
const (
	DefaultChunkTimeout  = 60 * time.Second
	DefaultFlushInterval = time.Second
	DefaultBufferSize    = 64 * 1024
)

// Config configures the download engine.
type Config struct {
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	// ChunkTimeout bounds the wait for response headers and for each body read.
	ChunkTimeout time.Duration
	// FlushInterval is the minimum time between sidecar rewrites.
	FlushInterval time.Duration
	// BufferSize is the read buffer and chunk size.
	BufferSize int
	// Logger receives transfer diagnostics. Nil disables logging.
	Logger *log.Logger
	// Now overrides the clock used for flush pacing and rate smoothing.
	Now func() time.Time
}

// Engine downloads artifacts. It is safe for concurrent use on distinct destinations.
type Engine struct {
	client        *http.Client
	chunkTimeout  time.Duration
	flushInterval time.Duration
	bufferSize    int
	logger        *log.Logger
	now           func() time.Time
}

// New creates a download engine.
func New(cfg Config) *Engine {
	e := &Engine{
		client:        cfg.HTTPClient,
		chunkTimeout:  cfg.ChunkTimeout,
		flushInterval: cfg.FlushInterval,
		bufferSize:    cfg.BufferSize,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.chunkTimeout <= 0 {
		e.chunkTimeout = DefaultChunkTimeout
	}
	if e.flushInterval <= 0 {
		e.flushInterval = DefaultFlushInterval
	}
	if e.bufferSize <= 0 {
		e.bufferSize = DefaultBufferSize
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Download returns a lazy sequence of progress events for fetching the
// manifest's artifact into dest. Nothing happens until the sequence is ranged.
//
// The sequence ends after the final progress event (BytesSoFar == TotalBytes)
// or after yielding exactly one error. Breaking out of the loop stops the
// transfer at the next chunk boundary; the partial file and sidecar stay on
// disk and the next call resumes.
//
// Errors:
//   - types.ErrNetwork: transport failure, stall, or 5xx (resumable)
//   - types.ErrSizeMismatch: artifact length disagrees with the manifest
//   - types.ErrNotFound / types.ErrProtocol: unusable server response
//   - types.ErrFilesystem: local write failure
//   - types.ErrCanceled: ctx ended between chunks
func (e *Engine) Download(ctx context.Context, m *types.VersionManifest, dest string) iter.Seq2[types.DownloadProgress, error] {
	return func(yield func(types.DownloadProgress, error) bool) {
		t, err := e.open(m, dest)
		if err != nil {
			yield(types.DownloadProgress{}, err)
			return
		}
		defer t.close()

		if err := t.run(ctx, yield); err != nil {
			t.flush()
			yield(t.progress(), err)
		}
	}
}

// Discard removes a download and its sidecar. Used after a successful
// install and whenever the bytes on disk can no longer be trusted.
func (e *Engine) Discard(dest string) error {
	if err := iox.RemoveIfExists(dest); err != nil {
		return types.ClassifyFS("discard", dest, err)
	}
	if err := iox.RemoveIfExists(SidecarPath(dest)); err != nil {
		return types.ClassifyFS("discard", SidecarPath(dest), err)
	}
	return nil
}

// errStopped signals that the consumer abandoned the sequence.
var errStopped = errors.New("consumer stopped")

// transfer is the state of one Download call.
type transfer struct {
	e         *Engine
	m         *types.VersionManifest
	dest      string
	file      *os.File
	state     types.DownloadState
	received  int64
	resumed   bool
	lastFlush time.Time
	rate      *rateMeter
	lastRate  float64
}

// open prepares the destination, resuming from a consistent sidecar when possible.
func (e *Engine) open(m *types.VersionManifest, dest string) (*transfer, error) {
	const op = "download"

	if _, err := m.ParsedDigest(); err != nil {
		return nil, types.NewError(types.ErrProtocol, op, m.ArtifactURL, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, types.ClassifyFS(op, filepath.Dir(dest), err)
	}

	t := &transfer{
		e:    e,
		m:    m,
		dest: dest,
		state: types.DownloadState{
			TargetPath:     dest,
			Version:        m.Version,
			ArtifactURL:    m.ArtifactURL,
			ExpectedSize:   m.SizeBytes,
			ExpectedDigest: m.Digest,
		},
		rate: newRateMeter(e.now),
	}

	f, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, types.ClassifyFS(op, dest, err)
	}
	t.file = f

	offset := e.resumableOffset(m, dest, f)
	if err := f.Truncate(offset); err != nil {
		iox.DiscardClose(f)
		return nil, types.ClassifyFS(op, dest, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		iox.DiscardClose(f)
		return nil, types.ClassifyFS(op, dest, err)
	}
	t.received = offset
	t.resumed = offset > 0

	// A sidecar exists for the whole life of the partial file.
	if err := t.writeState(); err != nil {
		iox.DiscardClose(f)
		return nil, types.ClassifyFS(op, SidecarPath(dest), err)
	}

	if t.resumed {
		e.logger.Info("resuming download", map[string]any{
			"path":   dest,
			"offset": offset,
			"total":  m.SizeBytes,
		})
	}
	return t, nil
}

// resumableOffset returns the sidecar's byte count if the sidecar is readable,
// describes the same artifact and is backed by enough bytes on disk. Otherwise 0.
func (e *Engine) resumableOffset(m *types.VersionManifest, dest string, f *os.File) int64 {
	state, err := ReadSidecar(dest)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("stale download sidecar", map[string]any{"path": dest, "error": err.Error()})
		}
		return 0
	}
	if !state.Matches(m) {
		e.logger.Info("sidecar belongs to a different artifact, restarting", map[string]any{
			"path":         dest,
			"sidecar":      state.Version,
			"manifest":     m.Version,
			"size_drift":   state.ExpectedSize != m.SizeBytes,
			"digest_drift": state.ExpectedDigest != m.Digest,
		})
		return 0
	}
	info, err := f.Stat()
	if err != nil || info.Size() < state.BytesReceived || state.BytesReceived > m.SizeBytes {
		return 0
	}
	return state.BytesReceived
}

func (t *transfer) progress() types.DownloadProgress {
	return types.DownloadProgress{
		BytesSoFar:     t.received,
		TotalBytes:     t.m.SizeBytes,
		BytesPerSecond: t.lastRate,
		Resumed:        t.resumed,
	}
}

// run performs the transfer. Returns nil when the sequence ended normally,
// including when the consumer stopped early.
func (t *transfer) run(ctx context.Context, yield func(types.DownloadProgress, error) bool) error {
	if t.received == t.m.SizeBytes {
		if err := t.finalize(); err != nil {
			return err
		}
		yield(t.progress(), nil)
		return nil
	}

	err := t.fetch(ctx, yield)
	if errors.Is(err, errStopped) {
		t.flush()
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.finalize(); err != nil {
		return err
	}
	yield(t.progress(), nil)
	return nil
}

func (t *transfer) fetch(ctx context.Context, yield func(types.DownloadProgress, error) bool) error {
	const op = "download"
	url := t.m.ArtifactURL

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(t.e.chunkTimeout, cancel)
	defer watchdog.Stop()

	networkErr := func(err error) error {
		if ctx.Err() != nil {
			return types.NewError(types.ErrCanceled, op, url, ctx.Err())
		}
		if reqCtx.Err() != nil {
			return types.NewError(types.ErrNetwork, op, url,
				fmt.Errorf("no data received for %s: %w", t.e.chunkTimeout, err))
		}
		return types.NewError(types.ErrNetwork, op, url, err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return types.NewError(types.ErrProtocol, op, url, err)
	}
	req.Header.Set("User-Agent", types.UserAgent)
	if t.received > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.received))
	}

	resp, err := t.e.client.Do(req)
	if err != nil {
		return networkErr(err)
	}
	defer iox.DiscardClose(resp.Body)

	if err := t.checkResponse(resp); err != nil {
		return err
	}

	buf := make([]byte, t.e.bufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrCanceled, op, url, err)
		}

		n, readErr := resp.Body.Read(buf)
		watchdog.Reset(t.e.chunkTimeout)

		if n > 0 {
			if t.received+int64(n) > t.m.SizeBytes {
				return types.NewError(types.ErrSizeMismatch, op, url,
					fmt.Errorf("artifact exceeds declared size %d", t.m.SizeBytes))
			}
			if _, err := t.file.Write(buf[:n]); err != nil {
				return types.ClassifyFS(op, t.dest, err)
			}
			t.received += int64(n)
			t.lastRate = t.rate.observe(int64(n))

			if t.e.now().Sub(t.lastFlush) >= t.e.flushInterval {
				if err := t.flushErr(); err != nil {
					return types.ClassifyFS(op, SidecarPath(t.dest), err)
				}
			}
			if !yield(t.progress(), nil) {
				return errStopped
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return networkErr(readErr)
		}
	}

	if t.received != t.m.SizeBytes {
		return types.NewError(types.ErrSizeMismatch, op, url,
			fmt.Errorf("received %d bytes, manifest declares %d", t.received, t.m.SizeBytes))
	}
	return nil
}

// checkResponse validates status and framing headers, resetting the transfer
// if the server ignored the range request.
func (t *transfer) checkResponse(resp *http.Response) error {
	const op = "download"
	url := t.m.ArtifactURL

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		if t.received == 0 {
			return types.Errorf(types.ErrProtocol, op, "unexpected 206 for a full request")
		}
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return types.NewError(types.ErrProtocol, op, url, err)
		}
		if start != t.received {
			return types.Errorf(types.ErrProtocol, op, "server resumed at %d, requested %d", start, t.received)
		}
		if total >= 0 && total != t.m.SizeBytes {
			return types.NewError(types.ErrSizeMismatch, op, url,
				fmt.Errorf("artifact is %d bytes, manifest declares %d", total, t.m.SizeBytes))
		}
		if resp.ContentLength >= 0 && resp.ContentLength != t.m.SizeBytes-t.received {
			return types.NewError(types.ErrSizeMismatch, op, url,
				fmt.Errorf("range carries %d bytes, %d remain", resp.ContentLength, t.m.SizeBytes-t.received))
		}
		return nil

	case resp.StatusCode == http.StatusOK:
		if t.received > 0 {
			t.e.logger.Info("server ignored range request, restarting download", map[string]any{
				"path":   t.dest,
				"offset": t.received,
			})
			if err := t.reset(); err != nil {
				return types.ClassifyFS(op, t.dest, err)
			}
		}
		if resp.ContentLength >= 0 && resp.ContentLength != t.m.SizeBytes {
			return types.NewError(types.ErrSizeMismatch, op, url,
				fmt.Errorf("artifact is %d bytes, manifest declares %d", resp.ContentLength, t.m.SizeBytes))
		}
		return nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return types.NewError(types.ErrSizeMismatch, op, url,
			fmt.Errorf("artifact shorter than the %d bytes already received", t.received))

	case resp.StatusCode == http.StatusNotFound:
		return types.NewError(types.ErrNotFound, op, url, fmt.Errorf("status %d", resp.StatusCode))

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return types.NewError(types.ErrNetwork, op, url, fmt.Errorf("status %d", resp.StatusCode))

	default:
		return types.NewError(types.ErrProtocol, op, url, fmt.Errorf("status %d", resp.StatusCode))
	}
}

// reset discards received bytes and starts over at offset zero.
func (t *transfer) reset() error {
	if err := t.file.Truncate(0); err != nil {
		return err
	}
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	t.received = 0
	t.resumed = false
	return t.writeState()
}

// flushErr fsyncs the data and then records it in the sidecar.
func (t *transfer) flushErr() error {
	if err := t.file.Sync(); err != nil {
		return err
	}
	return t.writeState()
}

// flush is the best-effort variant used on the way out of an error path.
func (t *transfer) flush() {
	if err := t.flushErr(); err != nil {
		t.e.logger.Warn("failed to persist download progress", map[string]any{
			"path":  t.dest,
			"error": err.Error(),
		})
	}
}

func (t *transfer) writeState() error {
	t.state.BytesReceived = t.received
	t.state.UpdatedAt = t.e.now().UTC()
	if err := writeSidecar(t.dest, &t.state); err != nil {
		return err
	}
	t.lastFlush = t.e.now()
	return nil
}

// finalize records the completed transfer.
func (t *transfer) finalize() error {
	if err := t.flushErr(); err != nil {
		return types.ClassifyFS("download", t.dest, err)
	}
	t.e.logger.Debug("download complete", map[string]any{
		"path":  t.dest,
		"bytes": t.received,
	})
	return nil
}

func (t *transfer) close() {
	iox.DiscardClose(t.file)
}

// parseContentRange parses "bytes start-end/total". total is -1 when "*".
func parseContentRange(v string) (start, total int64, err error) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	first, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}
	if size == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Content-Range total: %w", err)
	}
	return start, total, nil
}
