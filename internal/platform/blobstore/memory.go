package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

type storedBlob struct {
	object  Object
	content []byte
}

// InMemoryBlobStore keeps blobs in a map. For tests and development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
		now:   time.Now,
	}
}

func (s *InMemoryBlobStore) Save(_ context.Context, prefix, name string, content io.Reader) (*Object, error) {
	if name == "" {
		return nil, ErrMissingFileName
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	obj := Object{
		Path:         NewKey(prefix, name, s.now()),
		OriginalName: name,
		Size:         int64(len(data)),
		SHA256:       hex.EncodeToString(sum[:]),
	}

	s.mu.Lock()
	s.blobs[obj.Path] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *InMemoryBlobStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(blob.content)), nil
}

func (s *InMemoryBlobStore) Stat(_ context.Context, path string) (*Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := blob.object
	return &out, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, path)
	return nil
}

func (s *InMemoryBlobStore) URL(_ context.Context, _ string) (string, error) {
	return "", ErrURLNotSupported
}

// Put stores content at an exact path. Tests use it to stage objects.
func (s *InMemoryBlobStore) Put(path, originalName string, content []byte) {
	sum := sha256.Sum256(content)
	s.mu.Lock()
	s.blobs[path] = &storedBlob{
		object: Object{
			Path:         path,
			OriginalName: originalName,
			Size:         int64(len(content)),
			SHA256:       hex.EncodeToString(sum[:]),
		},
		content: append([]byte(nil), content...),
	}
	s.mu.Unlock()
}

// Len returns the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
