package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/cases"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/dicomfile"
	"github.com/dcplant/dcplant/internal/platform/tasks"
)

var (
	ErrNoFiles         = errors.New("select at least one file to upload")
	ErrNothingIngested = errors.New("no files were uploaded successfully")
	ErrInvalidType     = errors.New("invalid image type")
)

// FileBlob is one uploaded file. Multipart parts, decoded base64 payloads and
// staged objects all arrive this way.
type FileBlob struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

type IngestOptions struct {
	TitlePrefix string
	Description string
	// ImageType applies to raster images, and to DICOM when radiographic.
	ImageType ImageType
	// Source is recorded on the activity: "upload", "base64" or "s3".
	Source string
}

func (o IngestOptions) validate() error {
	if o.ImageType != "" && !requestable[o.ImageType] {
		return fmt.Errorf("%w: %s", ErrInvalidType, o.ImageType)
	}
	return nil
}

// BatchResult reports a batch. Errors holds one "<name>: <reason>" per failed file.
type BatchResult struct {
	Batch     *Batch   `json:"batch"`
	ItemCount int      `json:"item_count"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors"`
}

// Ingestor turns a list of files into one batch of case image items.
type Ingestor struct {
	repo   Repository
	store  blobstore.BlobStore
	parser dicomfile.Parser
	log    activity.Recorder
	logger zerolog.Logger
	now    func() time.Time
}

func NewIngestor(repo Repository, store blobstore.BlobStore, parser dicomfile.Parser, log activity.Recorder, logger zerolog.Logger) *Ingestor {
	return &Ingestor{repo: repo, store: store, parser: parser, log: log, logger: logger, now: time.Now}
}

// IngestBatch stores files as one batch on c. Files are processed in order and
// one at a time. A failed file is reported and skipped; its siblings are kept.
// The first file that persists claims the case's primary flag if the case has
// none. Exactly one IMAGE_ADDED activity is recorded per batch.
//
// Callers check upload permission. r may be nil.
func (in *Ingestor) IngestBatch(ctx context.Context, p auth.Principal, c *cases.Case, files []FileBlob, opts IngestOptions, r *tasks.Reporter) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Source == "" {
		opts.Source = "upload"
	}
	if r == nil {
		r = tasks.NopReporter()
	}
	total := len(files)
	r.Report(0, total, fmt.Sprintf("Processing %d file(s)", total))

	batch := &Batch{
		CaseID:      c.ID,
		Title:       batchTitle(opts, in.now()),
		Description: opts.Description,
		UploadedBy:  p.UserRef(),
	}
	if batch.Description == "" {
		batch.Description = fmt.Sprintf("Batch upload of %d file(s)", total)
	}
	if err := in.repo.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	res := &BatchResult{Batch: batch, Total: total, Errors: []string{}}
	claimed := false
	for idx, f := range files {
		it, err := in.ingestFile(ctx, c, batch, f, idx, total, opts, r)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Name, err))
			in.logger.Warn().Err(err).Str("case_id", c.ID.String()).Str("file", f.Name).Msg("file not ingested")
		} else {
			res.ItemCount++
			batch.Items = append(batch.Items, it)
			if !claimed {
				claimed = true
				if ok, err := in.repo.ClaimPrimary(ctx, c.ID, it.ID); err != nil {
					in.logger.Warn().Err(err).Str("item_id", it.ID.String()).Msg("primary claim failed")
				} else {
					it.IsPrimary = ok
				}
			}
		}
		r.Report(idx+1, total, fmt.Sprintf("Stored %d of %d file(s)", idx+1, total))
	}

	err := in.log.Record(ctx, activity.Entry{
		CaseID:      c.ID,
		UserID:      p.UserRef(),
		Type:        activity.TypeImageAdded,
		Description: fmt.Sprintf("Added %d of %d file(s)", res.ItemCount, total),
		Metadata: map[string]interface{}{
			"batch_id":       batch.ID.String(),
			"uploaded_count": res.ItemCount,
			"total_files":    total,
			"errors":         res.Errors,
			"source":         opts.Source,
		},
	})
	if err != nil {
		in.logger.Error().Err(err).Str("batch_id", batch.ID.String()).Msg("failed to record image activity")
	}

	r.Report(total, total, fmt.Sprintf("Upload complete: %d of %d file(s) uploaded", res.ItemCount, total))
	if res.ItemCount == 0 {
		return res, ErrNothingIngested
	}
	return res, nil
}

func batchTitle(opts IngestOptions, now time.Time) string {
	prefix := opts.TitlePrefix
	if prefix == "" {
		prefix = "Upload"
		if opts.Source == "s3" {
			prefix = "S3 Upload"
		}
	}
	return prefix + " - " + now.Format("20060102 15:04")
}

// ingestFile stores one file and inserts its item row. A blob whose row cannot
// be written is removed again.
func (in *Ingestor) ingestFile(ctx context.Context, c *cases.Case, batch *Batch, f FileBlob, idx, total int, opts IngestOptions, r *tasks.Reporter) (*Item, error) {
	imageType, isDicom := Classify(f.Name, opts.ImageType)

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	obj, err := in.store.Save(ctx, "cases/"+c.ID.String(), f.Name, rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	r.Report(idx, total, "Decoded "+f.Name)
	if obj.Size == 0 {
		in.discard(ctx, obj.Path)
		return nil, errors.New("file is empty")
	}

	it := &Item{
		BatchID:      batch.ID,
		CaseID:       c.ID,
		StoragePath:  obj.Path,
		OriginalName: blobstore.SanitizeName(f.Name),
		Size:         obj.Size,
		ImageType:    imageType,
		IsDicom:      isDicom,
		Metadata:     map[string]interface{}{},
		Order:        idx,
	}
	if isDicom {
		it.Metadata = in.dicomMetadata(ctx, obj)
		it.Order = dicomOrder(it.Metadata, f.Name)
	}

	if err := in.repo.CreateItem(ctx, it); err != nil {
		in.discard(ctx, obj.Path)
		return nil, fmt.Errorf("save record: %w", err)
	}
	it.BatchCreatedAt = batch.CreatedAt
	return it, nil
}

// dicomMetadata parses the stored header. Unparsable files keep empty
// metadata and stay DICOM.
func (in *Ingestor) dicomMetadata(ctx context.Context, obj *blobstore.Object) map[string]interface{} {
	rc, err := in.store.Open(ctx, obj.Path)
	if err != nil {
		in.logger.Warn().Err(err).Str("path", obj.Path).Msg("dicom header not readable")
		return map[string]interface{}{}
	}
	defer rc.Close()
	md, err := in.parser.Parse(rc, obj.Size)
	if err != nil {
		in.logger.Warn().Err(err).Str("path", obj.Path).Msg("dicom metadata extraction failed")
		return map[string]interface{}{}
	}
	return md.Map()
}

func (in *Ingestor) discard(ctx context.Context, path string) {
	if err := in.store.Delete(ctx, path); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		in.logger.Warn().Err(err).Str("path", path).Msg("orphaned blob not removed")
	}
}
