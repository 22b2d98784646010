// Package metrics provides counters for launcher update sessions and the
// release tracking service.
//
// The Collector is a leaf package with no internal dependencies. All
// increment methods are nil-receiver safe so components can be built
// without metrics in tests.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Launcher sessions
	SessionsStarted  int64 `json:"sessions_started"`
	SessionsUpToDate int64 `json:"sessions_up_to_date"`
	SessionsReady    int64 `json:"sessions_ready"`
	SessionsFailed   int64 `json:"sessions_failed"`
	SessionsCanceled int64 `json:"sessions_canceled"`
	// FailedByKind counts failed sessions per error kind.
	FailedByKind map[string]int64 `json:"failed_by_kind,omitempty"`

	// Launcher transfer
	NetworkRetries   int64 `json:"network_retries"`
	DownloadResumes  int64 `json:"download_resumes"`
	BytesDownloaded  int64 `json:"bytes_downloaded"`
	DigestMismatches int64 `json:"digest_mismatches"`
	Redownloads      int64 `json:"redownloads"`
	HookWarnings     int64 `json:"hook_warnings"`

	// Release service
	ManifestsServed     int64 `json:"manifests_served"`
	ManifestMisses      int64 `json:"manifest_misses"`
	ArtifactRequests    int64 `json:"artifact_requests"`
	ArtifactRanges      int64 `json:"artifact_ranges"`
	ArtifactBytesServed int64 `json:"artifact_bytes_served"`
	PublishesAccepted   int64 `json:"publishes_accepted"`
	PublishesRejected   int64 `json:"publishes_rejected"`
	LedgerWriteFailures int64 `json:"ledger_write_failures"`
	NotifyFailures      int64 `json:"notify_failures"`

	// Dimensions (informational, set at construction)
	Component      string `json:"component"`
	Channel        string `json:"channel,omitempty"`
	StorageBackend string `json:"storage_backend,omitempty"`
}

// Collector accumulates counters. Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	sessionsStarted  int64
	sessionsUpToDate int64
	sessionsReady    int64
	sessionsFailed   int64
	sessionsCanceled int64
	failedByKind     map[string]int64

	networkRetries   int64
	downloadResumes  int64
	bytesDownloaded  int64
	digestMismatches int64
	redownloads      int64
	hookWarnings     int64

	manifestsServed     int64
	manifestMisses      int64
	artifactRequests    int64
	artifactRanges      int64
	artifactBytesServed int64
	publishesAccepted   int64
	publishesRejected   int64
	ledgerWriteFailures int64
	notifyFailures      int64

	component      string
	channel        string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
// component is required ("launcher" or "release-server"); the others may be empty.
func NewCollector(component, channel, storageBackend string) *Collector {
	return &Collector{
		failedByKind:   make(map[string]int64),
		component:      component,
		channel:        channel,
		storageBackend: storageBackend,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Launcher sessions ---

// IncSessionStarted records a new update session.
func (c *Collector) IncSessionStarted() {
	if c == nil {
		return
	}
	c.add(&c.sessionsStarted, 1)
}

// IncSessionUpToDate records a session that found nothing to install.
func (c *Collector) IncSessionUpToDate() {
	if c == nil {
		return
	}
	c.add(&c.sessionsUpToDate, 1)
}

// IncSessionReady records a session that installed a new version.
func (c *Collector) IncSessionReady() {
	if c == nil {
		return
	}
	c.add(&c.sessionsReady, 1)
}

// IncSessionFailed records a failed session with its error kind.
// Cancellation is counted separately via IncSessionCanceled.
func (c *Collector) IncSessionFailed(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsFailed++
	c.failedByKind[kind]++
	c.mu.Unlock()
}

// IncSessionCanceled records a session canceled by the user.
func (c *Collector) IncSessionCanceled() {
	if c == nil {
		return
	}
	c.add(&c.sessionsCanceled, 1)
}

// --- Launcher transfer ---

// IncNetworkRetry records one backoff retry after a network failure.
func (c *Collector) IncNetworkRetry() {
	if c == nil {
		return
	}
	c.add(&c.networkRetries, 1)
}

// IncDownloadResume records a download continued from a sidecar.
func (c *Collector) IncDownloadResume() {
	if c == nil {
		return
	}
	c.add(&c.downloadResumes, 1)
}

// AddBytesDownloaded records bytes written by the download engine.
func (c *Collector) AddBytesDownloaded(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.add(&c.bytesDownloaded, n)
}

// IncDigestMismatch records a failed verification.
func (c *Collector) IncDigestMismatch() {
	if c == nil {
		return
	}
	c.add(&c.digestMismatches, 1)
}

// IncRedownload records a full redownload after corruption.
func (c *Collector) IncRedownload() {
	if c == nil {
		return
	}
	c.add(&c.redownloads, 1)
}

// IncHookWarning records a non-fatal post-install hook failure.
func (c *Collector) IncHookWarning() {
	if c == nil {
		return
	}
	c.add(&c.hookWarnings, 1)
}

// --- Release service ---

// IncManifestServed records a manifest response.
func (c *Collector) IncManifestServed() {
	if c == nil {
		return
	}
	c.add(&c.manifestsServed, 1)
}

// IncManifestMiss records a manifest request for an unknown channel.
func (c *Collector) IncManifestMiss() {
	if c == nil {
		return
	}
	c.add(&c.manifestMisses, 1)
}

// IncArtifactRequest records an artifact request; ranged marks Range requests.
func (c *Collector) IncArtifactRequest(ranged bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.artifactRequests++
	if ranged {
		c.artifactRanges++
	}
	c.mu.Unlock()
}

// AddArtifactBytesServed records artifact bytes written to clients.
func (c *Collector) AddArtifactBytesServed(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.add(&c.artifactBytesServed, n)
}

// IncPublishAccepted records a successful pointer swap.
func (c *Collector) IncPublishAccepted() {
	if c == nil {
		return
	}
	c.add(&c.publishesAccepted, 1)
}

// IncPublishRejected records a rejected publish.
func (c *Collector) IncPublishRejected() {
	if c == nil {
		return
	}
	c.add(&c.publishesRejected, 1)
}

// IncLedgerWriteFailure records a failed publish-ledger write.
func (c *Collector) IncLedgerWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.ledgerWriteFailures, 1)
}

// IncNotifyFailure records a failed publish notification.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.add(&c.notifyFailures, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.failedByKind))
	for k, v := range c.failedByKind {
		byKind[k] = v
	}

	return Snapshot{
		SessionsStarted:  c.sessionsStarted,
		SessionsUpToDate: c.sessionsUpToDate,
		SessionsReady:    c.sessionsReady,
		SessionsFailed:   c.sessionsFailed,
		SessionsCanceled: c.sessionsCanceled,
		FailedByKind:     byKind,

		NetworkRetries:   c.networkRetries,
		DownloadResumes:  c.downloadResumes,
		BytesDownloaded:  c.bytesDownloaded,
		DigestMismatches: c.digestMismatches,
		Redownloads:      c.redownloads,
		HookWarnings:     c.hookWarnings,

		ManifestsServed:     c.manifestsServed,
		ManifestMisses:      c.manifestMisses,
		ArtifactRequests:    c.artifactRequests,
		ArtifactRanges:      c.artifactRanges,
		ArtifactBytesServed: c.artifactBytesServed,
		PublishesAccepted:   c.publishesAccepted,
		PublishesRejected:   c.publishesRejected,
		LedgerWriteFailures: c.ledgerWriteFailures,
		NotifyFailures:      c.notifyFailures,

		Component:      c.component,
		Channel:        c.channel,
		StorageBackend: c.storageBackend,
	}
}
