package store

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ArtifactInfo describes a stored artifact.
type ArtifactInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
	// ETag is an opaque validator, empty when the backend has none.
	ETag string
}

// ArtifactStore serves artifact bytes to launchers.
type ArtifactStore interface {
	// Stat returns the artifact's metadata. Missing keys yield ErrNotFound.
	Stat(ctx context.Context, key string) (ArtifactInfo, error)
	// Open returns a reader over length bytes starting at offset.
	// A negative length reads to the end.
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	// Backend names the implementation ("fs" or "s3").
	Backend() string
}

// CleanKey normalizes an artifact key and rejects keys that are empty,
// absolute or escape the store with "..".
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", NewStorageError(ErrInvalidKey, "key", key, errInvalidKeyDetail)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", NewStorageError(ErrInvalidKey, "key", key, errInvalidKeyDetail)
	}
	return clean, nil
}

var errInvalidKeyDetail = errors.New("key must be a relative path inside the store")
