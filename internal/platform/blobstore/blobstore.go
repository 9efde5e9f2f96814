// Package blobstore is the file storage collaborator for case images and
// exports. Backends: in-memory (tests, development), local disk, and S3.
package blobstore

import (
	"context"
	"errors"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrInvalidPath     = errors.New("invalid storage path")
	ErrURLNotSupported = errors.New("storage backend cannot issue urls")
)

// MaxFileSize is the per-object limit (2 GB, large enough for a CBCT volume).
const MaxFileSize int64 = 2 << 30

// Object describes a stored blob.
type Object struct {
	Path         string
	OriginalName string
	Size         int64
	SHA256       string
}

// BlobStore is the storage contract the core depends on. Implementations must
// be safe for concurrent use.
type BlobStore interface {
	// Save stores content under a new unique path derived from prefix and name.
	Save(ctx context.Context, prefix, name string, content io.Reader) (*Object, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Stat(ctx context.Context, path string) (*Object, error)
	Delete(ctx context.Context, path string) error
	// URL returns a link a client can fetch the object from, or ErrURLNotSupported.
	URL(ctx context.Context, path string) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName reduces a client supplied filename to a safe base name.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > 150 {
		ext := path.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:150-len(ext)] + ext
	}
	return name
}

// NewKey builds "<prefix>/YYYY/MM/DD/<uuid>_<name>".
func NewKey(prefix, name string, now time.Time) string {
	prefix = strings.Trim(prefix, "/")
	key := now.UTC().Format("2006/01/02") + "/" + uuid.NewString() + "_" + SanitizeName(name)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// OriginalName recovers the sanitized client filename from a key made by NewKey.
func OriginalName(key string) string {
	base := path.Base(key)
	if len(base) > 37 && base[36] == '_' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}

// validPath rejects absolute paths and traversal.
func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}
