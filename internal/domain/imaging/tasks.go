package imaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/tasks"
)

const (
	TaskUploadBase64 = "imaging.upload_base64"
	TaskUploadS3     = "imaging.upload_s3"
)

// StagingPrefix is where clients place objects before asking for an S3 ingest.
const StagingPrefix = "staging/"

var ErrInvalidKey = errors.New("object key is outside the staging area")

// EncodedFile is a file sent inline as base64.
type EncodedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Uploads queues large ingestions on the background workers.
type Uploads struct {
	svc   *Service
	queue *tasks.Queue
}

func NewUploads(svc *Service, queue *tasks.Queue) *Uploads {
	return &Uploads{svc: svc, queue: queue}
}

// StartBase64 checks access now and decodes and stores the files on a worker.
// A payload that does not decode fails on its own.
func (u *Uploads) StartBase64(ctx context.Context, p auth.Principal, caseID uuid.UUID, files []EncodedFile, opts IngestOptions) (string, error) {
	if len(files) == 0 {
		return "", ErrNoFiles
	}
	if err := opts.validate(); err != nil {
		return "", err
	}
	c, err := u.svc.authorizeUpload(ctx, p, caseID)
	if err != nil {
		return "", err
	}
	blobs := make([]FileBlob, len(files))
	for i, f := range files {
		content := f.Content
		if j := strings.Index(content, ";base64,"); j >= 0 {
			content = content[j+len(";base64,"):]
		}
		blobs[i] = FileBlob{
			Name: f.Name,
			Size: int64(base64.StdEncoding.DecodedLen(len(content))),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(base64.NewDecoder(base64.StdEncoding, strings.NewReader(content))), nil
			},
		}
	}
	opts.Source = "base64"
	return u.queue.Enqueue(ctx, TaskUploadBase64, p.UserID, func(ctx context.Context, r *tasks.Reporter) (map[string]any, error) {
		res, err := u.svc.ingestor.IngestBatch(ctx, p, c, blobs, opts, r)
		return uploadResult(res), err
	})
}

// StartS3 ingests objects already staged in the blob store under StagingPrefix.
// Staged objects are left in place.
func (u *Uploads) StartS3(ctx context.Context, p auth.Principal, caseID uuid.UUID, keys []string, opts IngestOptions) (string, error) {
	if len(keys) == 0 {
		return "", ErrNoFiles
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, StagingPrefix) || strings.Contains(k, "..") {
			return "", fmt.Errorf("%w: %s", ErrInvalidKey, k)
		}
	}
	if err := opts.validate(); err != nil {
		return "", err
	}
	c, err := u.svc.authorizeUpload(ctx, p, caseID)
	if err != nil {
		return "", err
	}
	opts.Source = "s3"
	store := u.svc.store
	return u.queue.Enqueue(ctx, TaskUploadS3, p.UserID, func(ctx context.Context, r *tasks.Reporter) (map[string]any, error) {
		blobs := make([]FileBlob, len(keys))
		for i, key := range keys {
			blobs[i] = stagedBlob(ctx, store, key)
		}
		res, err := u.svc.ingestor.IngestBatch(ctx, p, c, blobs, opts, r)
		return uploadResult(res), err
	})
}

// stagedBlob names the file after the object's original-name metadata. A
// failing Stat surfaces when the file is opened, as that file's error.
func stagedBlob(ctx context.Context, store blobstore.BlobStore, key string) FileBlob {
	obj, statErr := store.Stat(ctx, key)
	b := FileBlob{Name: blobstore.OriginalName(key)}
	if statErr == nil {
		b.Size = obj.Size
		if obj.OriginalName != "" {
			b.Name = obj.OriginalName
		}
	}
	b.Open = func() (io.ReadCloser, error) {
		if statErr != nil {
			return nil, statErr
		}
		return store.Open(ctx, key)
	}
	return b
}

func uploadResult(res *BatchResult) map[string]any {
	if res == nil {
		return nil
	}
	return map[string]any{
		"batch_id":       res.Batch.ID.String(),
		"uploaded_count": res.ItemCount,
		"total_files":    res.Total,
		"errors":         res.Errors,
	}
}
