package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/justapithecus/skiff/log"
	"github.com/justapithecus/skiff/types"
	"github.com/justapithecus/skiff/verify"
)

// Result is the outcome of a finished session.
type Result struct {
	// Phase is the terminal phase: up_to_date, ready or failed.
	Phase types.Phase
	// Manifest is the last manifest the session acted on.
	Manifest *types.VersionManifest
	// Record is the installation record after the session.
	Record *types.InstallationRecord
	// Warnings collects non-fatal post-install hook messages.
	Warnings []string
	// Err is set when Phase is failed.
	Err error
}

// Session is one orchestration run. Methods are safe for concurrent use.
type Session struct {
	id      string
	channel types.Channel
	mgr     *Manager
	logger  *log.Logger
	events  *broadcaster
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	phase    types.Phase
	progress float64
	version  string
	result   *Result
}

func newSession(m *Manager, id string, channel types.Channel) *Session {
	return &Session{
		id:      id,
		channel: channel,
		mgr:     m,
		logger: m.cfg.Logger.With(log.Context{
			SessionID:   id,
			Channel:     channel.Key(),
			InstallRoot: m.cfg.Installer.Layout().Root,
		}),
		events: newBroadcaster(),
		done:   make(chan struct{}),
		phase:  types.PhaseIdle,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Channel returns the channel being updated.
func (s *Session) Channel() types.Channel { return s.channel }

// Phase returns the observable phase.
func (s *Session) Phase() types.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Subscribe returns the session's event stream. Events already emitted are
// replayed in coalesced form, so a late subscriber still observes every
// phase change. The channel closes after the session's last event or when
// ctx ends. Slow consumers see intermediate progress events merged.
func (s *Session) Subscribe(ctx context.Context) <-chan types.Event {
	return s.events.subscribe(ctx)
}

// Cancel requests cooperative cancellation. The session stops at the next
// chunk or archive entry boundary and fails with a canceled error. An
// installation swap already under way completes.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the session is terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome, or nil while the session is running.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Acknowledge returns a failed session to idle.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == types.PhaseFailed {
		s.phase = types.PhaseIdle
	}
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// --- Event emission ---

// enter transitions to phase and emits its first event.
func (s *Session) enter(phase types.Phase) {
	s.mu.Lock()
	s.phase = phase
	s.progress = 0
	ev := s.eventLocked()
	s.mu.Unlock()

	s.logger.Debug("phase changed", map[string]any{"phase": string(phase)})
	s.events.publish(ev)
}

// report emits progress within the current phase. Progress never regresses
// within a phase.
func (s *Session) report(fraction float64, done, total int64, rate float64) {
	s.mu.Lock()
	if fraction > 1 {
		fraction = 1
	}
	if fraction < s.progress {
		fraction = s.progress
	}
	s.progress = fraction
	ev := s.eventLocked()
	ev.BytesDone = done
	ev.BytesTotal = total
	ev.BytesPerSecond = rate
	s.mu.Unlock()

	s.events.publish(ev)
}

func (s *Session) warn(msg string) {
	s.mu.Lock()
	ev := s.eventLocked()
	ev.Warning = msg
	s.mu.Unlock()

	s.events.publish(ev)
}

func (s *Session) setVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func (s *Session) eventLocked() types.Event {
	return types.Event{
		SessionID: s.id,
		Phase:     s.phase,
		Progress:  s.progress,
		Version:   s.version,
		At:        s.mgr.cfg.Now().UTC(),
	}
}

// --- Orchestration ---

func (s *Session) run(ctx context.Context) {
	res := s.execute(ctx)
	s.finish(res)
}

func (s *Session) finish(res *Result) {
	cfg := s.mgr.cfg

	switch res.Phase {
	case types.PhaseFailed:
		kind := types.KindOf(res.Err)
		if kind == types.KindCanceled {
			cfg.Metrics.IncSessionCanceled()
		} else {
			cfg.Metrics.IncSessionFailed(string(kind))
		}
		s.logger.Error("update failed", map[string]any{
			"kind":  string(kind),
			"error": res.Err.Error(),
		})

		s.mu.Lock()
		s.phase = types.PhaseFailed
		ev := s.eventLocked()
		ev.Err = res.Err
		ev.ErrKind = kind
		s.result = res
		s.mu.Unlock()
		s.events.publish(ev)

	default:
		if res.Phase == types.PhaseReady {
			cfg.Metrics.IncSessionReady()
		} else {
			cfg.Metrics.IncSessionUpToDate()
		}
		s.enter(res.Phase)
		s.report(1, 0, 0, 0)
		s.enter(types.PhaseIdle)

		s.mu.Lock()
		s.result = res
		s.mu.Unlock()
	}

	s.events.close()
	s.cancel()
	close(s.done)
}

func failed(res *Result, err error) *Result {
	res.Phase = types.PhaseFailed
	res.Err = err
	return res
}

func (s *Session) execute(ctx context.Context) *Result {
	cfg := s.mgr.cfg
	res := &Result{}

	s.enter(types.PhaseCheckingForUpdate)
	if err := s.mgr.recover(); err != nil {
		return failed(res, err)
	}
	installed, err := cfg.Installer.Record()
	if err != nil {
		return failed(res, err)
	}
	res.Record = installed

	m, err := s.fetchManifest(ctx)
	if err != nil {
		return failed(res, err)
	}
	res.Manifest = m
	s.setVersion(m.Version)
	if upToDate(installed, m) {
		s.logger.Info("already up to date", map[string]any{"version": m.Version})
		res.Phase = types.PhaseUpToDate
		return res
	}
	if installed != nil && types.CompareVersions(m.Version, installed.Version) < 0 {
		s.logger.Info("channel points at an older version", map[string]any{
			"installed": installed.Version,
			"available": m.Version,
		})
	}

	dest := cfg.Installer.Layout().Download()
	redownloaded := false
	for {
		s.enter(types.PhaseDownloading)
		if err := s.download(ctx, m, dest); err != nil {
			if errors.Is(err, types.ErrSizeMismatch) {
				s.discard(dest)
			}
			return failed(res, err)
		}

		s.enter(types.PhaseVerifying)
		err := s.verify(ctx, m, dest)
		if err == nil {
			s.enter(types.PhaseInstalling)
			err = s.install(ctx, m, dest, res)
			if err == nil {
				s.discard(dest)
				res.Phase = types.PhaseReady
				return res
			}
		}

		// A corrupt download earns one redownload per session.
		if !errors.Is(err, types.ErrDigestMismatch) && !errors.Is(err, types.ErrExtraction) {
			return failed(res, err)
		}
		if errors.Is(err, types.ErrDigestMismatch) {
			cfg.Metrics.IncDigestMismatch()
		}
		// Corrupt bytes must be gone before anything is fetched again.
		if derr := cfg.Downloader.Discard(dest); derr != nil {
			return failed(res, derr)
		}
		if redownloaded {
			return failed(res, err)
		}
		redownloaded = true
		cfg.Metrics.IncRedownload()
		s.logger.Warn("download corrupt, redownloading", map[string]any{
			"error": err.Error(),
		})

		fresh, ferr := s.fetchManifest(ctx)
		if ferr != nil {
			return failed(res, ferr)
		}
		m = fresh
		res.Manifest = m
		s.setVersion(m.Version)
		if upToDate(installed, m) {
			res.Phase = types.PhaseUpToDate
			return res
		}
	}
}

func upToDate(installed *types.InstallationRecord, m *types.VersionManifest) bool {
	return installed != nil && installed.Version == m.Version
}

// discard drops the download and its sidecar. Failure only means the next
// attempt finds stale bytes, which the engine rejects on its own.
func (s *Session) discard(dest string) {
	if err := s.mgr.cfg.Downloader.Discard(dest); err != nil {
		s.logger.Warn("failed to discard download", map[string]any{"error": err.Error()})
	}
}

// newBackOff builds the retry schedule for one network operation.
func (s *Session) newBackOff(ctx context.Context) backoff.BackOff {
	b := s.mgr.cfg.Backoff
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.mgr.cfg.Retries)), ctx)
}

// retry runs op, retrying network failures with backoff.
func (s *Session) retry(ctx context.Context, op func() error) error {
	err := backoff.RetryNotify(
		func() error {
			err := op()
			if err == nil || types.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		s.newBackOff(ctx),
		func(err error, wait time.Duration) {
			s.mgr.cfg.Metrics.IncNetworkRetry()
			s.logger.Warn("network failure, retrying", map[string]any{
				"error": err.Error(),
				"wait":  wait.String(),
			})
		},
	)
	if err != nil && ctx.Err() != nil && !errors.Is(err, types.ErrCanceled) {
		return types.NewError(types.ErrCanceled, "update", "", ctx.Err())
	}
	return err
}

func (s *Session) fetchManifest(ctx context.Context) (*types.VersionManifest, error) {
	var m *types.VersionManifest
	err := s.retry(ctx, func() error {
		var err error
		m, err = s.mgr.cfg.Manifests.FetchManifest(ctx, s.channel)
		return err
	})
	return m, err
}

func (s *Session) download(ctx context.Context, m *types.VersionManifest, dest string) error {
	cfg := s.mgr.cfg
	return s.retry(ctx, func() error {
		// The first event of a resumed attempt already includes bytes
		// from a previous run; only count what arrives after it.
		last := int64(-1)
		for p, err := range cfg.Downloader.Download(ctx, m, dest) {
			if err != nil {
				return err
			}
			if last < 0 {
				last = 0
				if p.Resumed {
					cfg.Metrics.IncDownloadResume()
					last = p.BytesSoFar
				}
			}
			if p.BytesSoFar > last {
				cfg.Metrics.AddBytesDownloaded(p.BytesSoFar - last)
				last = p.BytesSoFar
			}
			s.report(p.Fraction(), p.BytesSoFar, p.TotalBytes, p.BytesPerSecond)
		}
		return nil
	})
}

func (s *Session) verify(ctx context.Context, m *types.VersionManifest, path string) error {
	digest, err := m.ParsedDigest()
	if err != nil {
		return types.NewError(types.ErrProtocol, "verify", path, err)
	}
	v := verify.New(
		verify.WithChunkSize(s.mgr.cfg.VerifyChunkSize),
		verify.WithProgress(func(done, total int64) {
			var f float64
			if total > 0 {
				f = float64(done) / float64(total)
			}
			s.report(f, done, total, 0)
		}),
	)
	return v.Verify(ctx, path, digest)
}

func (s *Session) install(ctx context.Context, m *types.VersionManifest, archive string, res *Result) error {
	out, err := s.mgr.cfg.Installer.Install(ctx, archive, m)
	if err != nil {
		s.mgr.forgetRecovery()
		return err
	}
	res.Record = out.Record
	for _, w := range out.Warnings {
		s.mgr.cfg.Metrics.IncHookWarning()
		res.Warnings = append(res.Warnings, w)
		s.warn(w)
	}
	s.logger.Info("update installed", map[string]any{
		"version":  out.Record.Version,
		"previous": out.Record.PreviousVersion,
	})
	return nil
}
