package types //nolint:revive // types is a valid package name

import (
	"strings"
	"testing"
	"time"
)

const zeroSHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestParseDigest(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		algo    DigestAlgorithm
		wantErr bool
	}{
		{name: "prefixed sha256", in: "sha256:" + zeroSHA, algo: DigestSHA256},
		{name: "bare hex", in: zeroSHA, algo: DigestSHA256},
		{name: "uppercase", in: "SHA256:" + strings.ToUpper(zeroSHA), algo: DigestSHA256},
		{name: "blake3", in: "blake3:" + zeroSHA, algo: DigestBLAKE3},
		{name: "unknown algo", in: "md5:" + zeroSHA, wantErr: true},
		{name: "short", in: "sha256:abcd", wantErr: true},
		{name: "not hex", in: "sha256:" + strings.Repeat("zz", 32), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDigest(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDigest(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if d.Algorithm != tt.algo {
				t.Errorf("Algorithm = %q, want %q", d.Algorithm, tt.algo)
			}
			if d.String() != string(tt.algo)+":"+zeroSHA {
				t.Errorf("String() = %q", d.String())
			}
		})
	}
}

func TestVersionManifest_Validate(t *testing.T) {
	valid := func() *VersionManifest {
		return &VersionManifest{
			Channel:     Channel{Name: "nightly"},
			Version:     "b1234",
			ArtifactURL: "https://example.test/artifacts/b1234.zip",
			SizeBytes:   1024,
			Digest:      "sha256:" + zeroSHA,
			PublishedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}
	}

	tests := []struct {
		name    string
		mutate  func(m *VersionManifest)
		wantErr string
	}{
		{name: "valid", mutate: func(*VersionManifest) {}},
		{name: "missing version", mutate: func(m *VersionManifest) { m.Version = "" }, wantErr: "version"},
		{name: "missing url", mutate: func(m *VersionManifest) { m.ArtifactURL = "" }, wantErr: "artifact_url"},
		{name: "zero size", mutate: func(m *VersionManifest) { m.SizeBytes = 0 }, wantErr: "size_bytes"},
		{name: "bad digest", mutate: func(m *VersionManifest) { m.Digest = "nope" }, wantErr: "digest"},
		{name: "no timestamp", mutate: func(m *VersionManifest) { m.PublishedAt = time.Time{} }, wantErr: "published_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestChannel_Key(t *testing.T) {
	if got := (Channel{Name: "nightly"}).Key(); got != "nightly" {
		t.Errorf("Key() = %q, want nightly", got)
	}
	c := Channel{Name: "nightly", Platform: "linux", Arch: "amd64"}
	if got := c.Key(); got != "nightly/linux/amd64" {
		t.Errorf("Key() = %q", got)
	}
	if c.Generic().Key() != "nightly" {
		t.Errorf("Generic().Key() = %q", c.Generic().Key())
	}
	if err := (Channel{Name: "Bad Name"}).Validate(); err == nil {
		t.Error("expected invalid channel name to fail validation")
	}
}
