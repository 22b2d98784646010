package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/justapithecus/skiff/iox"
)

// FSArtifactStore serves artifacts from a local directory.
type FSArtifactStore struct {
	root string
}

// NewFSArtifactStore creates a store rooted at root. The directory must exist.
func NewFSArtifactStore(root string) (*FSArtifactStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, wrap(err, "init", root)
	}
	if !info.IsDir() {
		return nil, NewStorageError(ErrNotFound, "init", root, errors.New("not a directory"))
	}
	return &FSArtifactStore{root: root}, nil
}

// Backend implements ArtifactStore.
func (s *FSArtifactStore) Backend() string { return "fs" }

func (s *FSArtifactStore) path(key string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Stat implements ArtifactStore.
func (s *FSArtifactStore) Stat(_ context.Context, key string) (ArtifactInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ArtifactInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return ArtifactInfo{}, wrap(err, "stat", key)
	}
	if info.IsDir() {
		return ArtifactInfo{}, NewStorageError(ErrNotFound, "stat", key, errors.New("is a directory"))
	}
	return ArtifactInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Open implements ArtifactStore.
func (s *FSArtifactStore) Open(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, wrap(err, "open", key)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			iox.DiscardClose(f)
			return nil, wrap(err, "open", key)
		}
	}
	if length < 0 {
		return f, nil
	}
	return limitedFile{Reader: io.LimitReader(f, length), Closer: f}, nil
}

type limitedFile struct {
	io.Reader
	io.Closer
}

var _ ArtifactStore = (*FSArtifactStore)(nil)
