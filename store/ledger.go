package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/justapithecus/skiff/types"
)

// RecordKindPublish marks publish records in the ledger dataset.
const RecordKindPublish = "publish"

// PublishRecord is one accepted publish, in ledger order.
type PublishRecord struct {
	ID         string
	Seq        int64
	Manifest   types.VersionManifest
	RecordedAt time.Time
}

// Ledger is the append-only publish history kept in a lode dataset,
// partitioned by channel name. Replaying it rebuilds every channel's
// current pointer after a restart.
type Ledger struct {
	dataset lode.Dataset
	name    string
	now     func() time.Time

	mu  sync.Mutex
	seq int64
}

// NewLedger creates a ledger over factory. Use lode.NewMemoryFactory() for tests.
func NewLedger(dataset string, factory lode.StoreFactory) (*Ledger, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("channel"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, wrap(err, "init", dataset)
	}
	return &Ledger{dataset: ds, name: dataset, now: time.Now}, nil
}

// NewFSLedger creates a ledger stored under root.
func NewFSLedger(dataset, root string) (*Ledger, error) {
	return NewLedger(dataset, lode.NewFSFactory(root))
}

// NewS3Ledger creates a ledger stored in S3.
func NewS3Ledger(ctx context.Context, dataset string, cfg S3Config) (*Ledger, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, wrap(err, "init", dataset)
	}
	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	}
	return NewLedger(dataset, factory)
}

// Append durably records a publish. The record is written before the
// caller swaps its in-memory pointer.
func (l *Ledger) Append(ctx context.Context, m *types.VersionManifest) (PublishRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := PublishRecord{
		ID:         uuid.NewString(),
		Seq:        l.seq + 1,
		Manifest:   *m,
		RecordedAt: l.now().UTC(),
	}
	if _, err := l.dataset.Write(ctx, []any{toRecordMap(rec)}, lode.Metadata{}); err != nil {
		return PublishRecord{}, wrap(err, "append", l.name+"/"+m.Channel.Name)
	}
	l.seq = rec.Seq
	return rec, nil
}

// Restore replays the ledger and returns every record in publish order.
// Records are deduplicated by ID, so snapshots that repeat earlier records
// are harmless. The sequence counter resumes after the highest record.
func (l *Ledger) Restore(ctx context.Context) ([]PublishRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshots, err := l.dataset.Snapshots(ctx)
	if err != nil {
		return nil, wrap(err, "restore", l.name)
	}

	seen := make(map[string]struct{})
	var out []PublishRecord
	for _, snap := range snapshots {
		data, err := l.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap(err, "restore", fmt.Sprintf("%s/snapshot/%s", l.name, snap.ID))
		}
		for _, item := range data {
			raw, ok := item.(map[string]any)
			if !ok || raw["record_kind"] != RecordKindPublish {
				continue
			}
			rec, err := fromRecordMap(raw)
			if err != nil {
				return nil, NewStorageError(errUnclassified, "restore", l.name, err)
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if n := len(out); n > 0 && out[n-1].Seq > l.seq {
		l.seq = out[n-1].Seq
	}
	return out, nil
}

func toRecordMap(rec PublishRecord) map[string]any {
	m := rec.Manifest
	return map[string]any{
		"record_kind":  RecordKindPublish,
		"publish_id":   rec.ID,
		"seq":          rec.Seq,
		"channel":      m.Channel.Name,
		"platform":     m.Channel.Platform,
		"arch":         m.Channel.Arch,
		"version":      m.Version,
		"artifact_url": m.ArtifactURL,
		"size_bytes":   m.SizeBytes,
		"digest":       m.Digest,
		"published_at": m.PublishedAt.UTC().Format(time.RFC3339Nano),
		"recorded_at":  rec.RecordedAt.Format(time.RFC3339Nano),
	}
}

func fromRecordMap(raw map[string]any) (PublishRecord, error) {
	rec := PublishRecord{
		ID:  toString(raw["publish_id"]),
		Seq: toInt64(raw["seq"]),
		Manifest: types.VersionManifest{
			Channel: types.Channel{
				Name:     toString(raw["channel"]),
				Platform: toString(raw["platform"]),
				Arch:     toString(raw["arch"]),
			},
			Version:     toString(raw["version"]),
			ArtifactURL: toString(raw["artifact_url"]),
			SizeBytes:   toInt64(raw["size_bytes"]),
			Digest:      toString(raw["digest"]),
		},
	}
	if rec.ID == "" {
		return rec, errors.New("publish record without publish_id")
	}
	var err error
	if rec.Manifest.PublishedAt, err = time.Parse(time.RFC3339Nano, toString(raw["published_at"])); err != nil {
		return rec, fmt.Errorf("publish %s: published_at: %w", rec.ID, err)
	}
	if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, toString(raw["recorded_at"])); err != nil {
		return rec, fmt.Errorf("publish %s: recorded_at: %w", rec.ID, err)
	}
	return rec, nil
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 converts a decoded JSON number to int64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
