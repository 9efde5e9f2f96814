package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LocalBlobStore writes blobs below a root directory.
type LocalBlobStore struct {
	root string
	now  func() time.Time
}

func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalBlobStore{root: abs, now: time.Now}, nil
}

func (s *LocalBlobStore) full(p string) (string, error) {
	if !validPath(p) {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.root, filepath.FromSlash(p)), nil
}

// Save writes to a temp file in the target directory and renames it into
// place, so readers never observe a partial file.
func (s *LocalBlobStore) Save(_ context.Context, prefix, name string, content io.Reader) (*Object, error) {
	if name == "" {
		return nil, ErrMissingFileName
	}
	key := NewKey(prefix, name, s.now())
	dst, err := s.full(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(content, MaxFileSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if n > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("rename %s: %w", key, err)
	}

	return &Object{
		Path:         key,
		OriginalName: name,
		Size:         n,
		SHA256:       hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *LocalBlobStore) Open(_ context.Context, p string) (io.ReadCloser, error) {
	full, err := s.full(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

func (s *LocalBlobStore) Stat(_ context.Context, p string) (*Object, error) {
	full, err := s.full(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Object{Path: p, OriginalName: OriginalName(p), Size: info.Size()}, nil
}

func (s *LocalBlobStore) Delete(_ context.Context, p string) error {
	full, err := s.full(p)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

func (s *LocalBlobStore) URL(_ context.Context, _ string) (string, error) {
	return "", ErrURLNotSupported
}
