// Package verify checks downloaded artifacts against their manifest digest.
package verify

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/justapithecus/skiff/iox"
	"github.com/justapithecus/skiff/types"
)

// DefaultChunkSize is the read size used while hashing.
const DefaultChunkSize = 1 << 20

// NewHash returns a fresh hasher for the algorithm.
func NewHash(algo types.DigestAlgorithm) (hash.Hash, error) {
	switch algo {
	case types.DigestSHA256:
		return sha256.New(), nil
	case types.DigestBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}

// ProgressFunc observes hashing progress.
type ProgressFunc func(done, total int64)

// Verifier hashes files in bounded chunks.
type Verifier struct {
	chunkSize int
	progress  ProgressFunc
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithChunkSize overrides the read size.
func WithChunkSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.chunkSize = n
		}
	}
}

// WithProgress registers a callback invoked after every chunk.
func WithProgress(fn ProgressFunc) Option {
	return func(v *Verifier) { v.progress = fn }
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify hashes the file at path and compares it to expected.
// Returns nil on match, types.ErrDigestMismatch on mismatch,
// types.ErrFilesystem when the file cannot be read and types.ErrCanceled
// when ctx ends between chunks. The file is never modified.
func (v *Verifier) Verify(ctx context.Context, path string, expected types.Digest) error {
	const op = "verify"

	h, err := NewHash(expected.Algorithm)
	if err != nil {
		return types.NewError(types.ErrProtocol, op, path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return types.ClassifyFS(op, path, err)
	}
	defer iox.DiscardClose(f)

	info, err := f.Stat()
	if err != nil {
		return types.ClassifyFS(op, path, err)
	}
	total := info.Size()

	buf := make([]byte, v.chunkSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrCanceled, op, path, err)
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
			done += int64(n)
			if v.progress != nil {
				v.progress(done, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return types.ClassifyFS(op, path, readErr)
		}
	}

	actual := types.Digest{Algorithm: expected.Algorithm, Sum: h.Sum(nil)}
	if !actual.Equal(expected) {
		return types.NewError(types.ErrDigestMismatch, op, path,
			fmt.Errorf("expected %s, got %s", expected, actual))
	}
	return nil
}

// Sum hashes r fully and returns the digest. Used by the release service
// to describe artifacts it serves.
func Sum(r io.Reader, algo types.DigestAlgorithm) (types.Digest, error) {
	h, err := NewHash(algo)
	if err != nil {
		return types.Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return types.Digest{}, err
	}
	return types.Digest{Algorithm: algo, Sum: h.Sum(nil)}, nil
}
