package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DigestAlgorithm names a supported content hash.
type DigestAlgorithm string

// Supported digest algorithms.
const (
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestBLAKE3 DigestAlgorithm = "blake3"
)

// Digest is a parsed "algo:hex" content digest.
// A bare 64-character hex string is read as sha256.
type Digest struct {
	Algorithm DigestAlgorithm
	Sum       []byte
}

// ParseDigest parses the manifest digest notation.
func ParseDigest(s string) (Digest, error) {
	algo, hexSum, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		hexSum = algo
		algo = string(DigestSHA256)
	}
	a := DigestAlgorithm(strings.ToLower(algo))
	switch a {
	case DigestSHA256, DigestBLAKE3:
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	sum, err := hex.DecodeString(strings.ToLower(hexSum))
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(sum) != 32 {
		return Digest{}, fmt.Errorf("%s digest must be 32 bytes, got %d", a, len(sum))
	}
	return Digest{Algorithm: a, Sum: sum}, nil
}

// String renders the digest in canonical "algo:hex" form.
func (d Digest) String() string {
	return string(d.Algorithm) + ":" + hex.EncodeToString(d.Sum)
}

// Equal reports whether both digests name the same algorithm and sum.
func (d Digest) Equal(o Digest) bool {
	return d.Algorithm == o.Algorithm && hex.EncodeToString(d.Sum) == hex.EncodeToString(o.Sum)
}

// VersionManifest describes the currently published version of a channel.
// Manifests are immutable once published.
type VersionManifest struct {
	Channel     Channel   `json:"channel" yaml:"channel"`
	Version     string    `json:"version" yaml:"version"`
	ArtifactURL string    `json:"artifact_url" yaml:"artifact_url"`
	SizeBytes   int64     `json:"size_bytes" yaml:"size_bytes"`
	Digest      string    `json:"digest" yaml:"digest"`
	PublishedAt time.Time `json:"published_at" yaml:"published_at"`
}

// Validate checks the fields a client needs to download and verify the artifact.
func (m *VersionManifest) Validate() error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	if m.Version == "" {
		return errors.New("version must be non-empty")
	}
	if m.ArtifactURL == "" {
		return errors.New("artifact_url must be non-empty")
	}
	if _, err := url.Parse(m.ArtifactURL); err != nil {
		return fmt.Errorf("artifact_url: %w", err)
	}
	if m.SizeBytes <= 0 {
		return fmt.Errorf("size_bytes must be > 0, got %d", m.SizeBytes)
	}
	if _, err := ParseDigest(m.Digest); err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	if m.PublishedAt.IsZero() {
		return errors.New("published_at must be set")
	}
	return nil
}

// ParsedDigest returns the manifest digest. Callers are expected to have
// validated the manifest first.
func (m *VersionManifest) ParsedDigest() (Digest, error) {
	return ParseDigest(m.Digest)
}
