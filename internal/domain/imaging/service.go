package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/cases"
	"github.com/dcplant/dcplant/internal/domain/patient"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/db"
	"github.com/dcplant/dcplant/internal/platform/dicomfile"
)

var (
	ErrForbidden          = errors.New("not allowed to change images on this case")
	ErrNoImages           = errors.New("no images found for this case")
	ErrNotDicom           = errors.New("image is not a DICOM file")
	ErrPreviewUnavailable = errors.New("could not render a preview of this DICOM file")
	ErrTitleRequired      = errors.New("title is required")
	ErrTitleTooLong       = errors.New("title must be at most 200 characters")
)

const maxTitleLen = 200

// CaseAccess resolves a case and the caller's permissions on it.
type CaseAccess interface {
	Authorize(ctx context.Context, p auth.Principal, id uuid.UUID) (*cases.Case, cases.Permissions, error)
}

type PatientLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Service struct {
	repo     Repository
	store    blobstore.BlobStore
	access   CaseAccess
	patients PatientLookup
	log      activity.Recorder
	tx       db.TxManager
	ingestor *Ingestor
	preview  dicomfile.Previewer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, store blobstore.BlobStore, ingestor *Ingestor, access CaseAccess,
	patients PatientLookup, log activity.Recorder, tx db.TxManager, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		store:    store,
		access:   access,
		patients: patients,
		log:      log,
		tx:       tx,
		ingestor: ingestor,
		preview:  dicomfile.JPEGPreviewer{},
		logger:   logger,
		now:      time.Now,
	}
}

// canUpload allows owning organization members with edit rights or an
// uploading role. Shared organizations never upload.
func canUpload(p auth.Principal, c *cases.Case, perms cases.Permissions) bool {
	if p.IsSuperuser {
		return true
	}
	return p.OrganizationID == c.OrganizationID && (perms.Edit || p.CanUpload())
}

// authorizeUpload loads the case and checks upload permission.
func (s *Service) authorizeUpload(ctx context.Context, p auth.Principal, caseID uuid.UUID) (*cases.Case, error) {
	c, perms, err := s.access.Authorize(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	if !canUpload(p, c, perms) {
		return nil, ErrForbidden
	}
	return c, nil
}

// Upload ingests files synchronously.
func (s *Service) Upload(ctx context.Context, p auth.Principal, caseID uuid.UUID, files []FileBlob, opts IngestOptions) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	c, err := s.authorizeUpload(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	return s.ingestor.IngestBatch(ctx, p, c, files, opts, nil)
}

func (s *Service) ListBatches(ctx context.Context, p auth.Principal, caseID uuid.UUID) ([]*Batch, error) {
	if _, _, err := s.access.Authorize(ctx, p, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListBatches(ctx, caseID)
}

// BatchUpdate holds the editable fields of a batch. Nil fields are kept.
type BatchUpdate struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// UpdateBatch edits a batch's title and description. The uploader, an
// organization admin or a superuser may edit.
func (s *Service) UpdateBatch(ctx context.Context, p auth.Principal, batchID uuid.UUID, in BatchUpdate) (*Batch, error) {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	c, _, err := s.access.Authorize(ctx, p, b.CaseID)
	if errors.Is(err, cases.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	uploader := b.UploadedBy != nil && *b.UploadedBy == p.UserID
	admin := p.IsAdmin() && p.OrganizationID == c.OrganizationID
	if !uploader && !admin && !p.IsSuperuser {
		return nil, ErrForbidden
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		switch {
		case title == "":
			return nil, ErrTitleRequired
		case len([]rune(title)) > maxTitleLen:
			return nil, ErrTitleTooLong
		}
		b.Title = title
	}
	if in.Description != nil {
		b.Description = *in.Description
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdateBatch(ctx, b); err != nil {
			return err
		}
		return s.log.Record(ctx, activity.Entry{
			CaseID:      c.ID,
			UserID:      p.UserRef(),
			Type:        activity.TypeUpdated,
			Description: fmt.Sprintf("Updated image: %s", b.Title),
			Metadata:    map[string]interface{}{"batch_id": b.ID.String()},
		})
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DeleteBatch removes one batch with all its files.
func (s *Service) DeleteBatch(ctx context.Context, p auth.Principal, batchID uuid.UUID) error {
	b, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	c, perms, err := s.access.Authorize(ctx, p, b.CaseID)
	if errors.Is(err, cases.ErrNotFound) {
		return ErrBatchNotFound
	}
	if err != nil {
		return err
	}
	own := b.UploadedBy != nil && *b.UploadedBy == p.UserID && canUpload(p, c, perms)
	if !perms.Edit && !own {
		return ErrForbidden
	}
	paths, err := s.removeBatches(ctx, p, c.ID, []uuid.UUID{b.ID}, func(items []*Item) (string, map[string]interface{}) {
		return fmt.Sprintf("Removed image batch %q (%d file(s))", b.Title, len(items)),
			map[string]interface{}{"batch_id": b.ID.String(), "file_count": len(items)}
	})
	if err != nil {
		return err
	}
	s.deleteBlobs(context.WithoutCancel(ctx), paths)
	return nil
}

// DeleteDicomSeries removes every batch of the case holding a DICOM item.
// Non-DICOM files uploaded in the same batches go with them.
func (s *Service) DeleteDicomSeries(ctx context.Context, p auth.Principal, caseID uuid.UUID) (dicomCount, fileCount int, err error) {
	_, perms, err := s.access.Authorize(ctx, p, caseID)
	if err != nil {
		return 0, 0, err
	}
	if !perms.Edit {
		return 0, 0, ErrForbidden
	}
	ids, err := s.repo.DicomBatchIDs(ctx, caseID)
	if err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, ErrNoImages
	}
	paths, err := s.removeBatches(ctx, p, caseID, ids, func(items []*Item) (string, map[string]interface{}) {
		dicomCount, fileCount = 0, len(items)
		for _, it := range items {
			if it.IsDicom {
				dicomCount++
			}
		}
		return fmt.Sprintf("Deleted DICOM series (%d DICOM file(s), %d file(s) total)", dicomCount, fileCount),
			map[string]interface{}{"dicom_count": dicomCount, "file_count": fileCount, "batch_count": len(ids)}
	})
	if err != nil {
		return 0, 0, err
	}
	s.deleteBlobs(context.WithoutCancel(ctx), paths)
	return dicomCount, fileCount, nil
}

// removeBatches deletes the batch rows and records one IMAGE_REMOVED in a
// single transaction. It returns the storage paths to clean up afterwards.
func (s *Service) removeBatches(ctx context.Context, p auth.Principal, caseID uuid.UUID, ids []uuid.UUID,
	describe func(items []*Item) (string, map[string]interface{})) ([]string, error) {
	var paths []string
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		items, err := s.repo.ListItemsByBatches(ctx, ids)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteBatches(ctx, ids); err != nil {
			return err
		}
		for _, it := range items {
			paths = append(paths, it.StoragePath)
		}
		desc, md := describe(items)
		return s.log.Record(ctx, activity.Entry{
			CaseID:      caseID,
			UserID:      p.UserRef(),
			Type:        activity.TypeImageRemoved,
			Description: desc,
			Metadata:    md,
		})
	})
	return paths, err
}

func (s *Service) deleteBlobs(ctx context.Context, paths []string) {
	for _, path := range paths {
		if err := s.store.Delete(ctx, path); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("path", path).Msg("stored file not removed")
		}
	}
}

// itemFor loads an item of a case the caller can read.
func (s *Service) itemFor(ctx context.Context, p auth.Principal, itemID uuid.UUID) (*Item, error) {
	it, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.access.Authorize(ctx, p, it.CaseID); err != nil {
		if errors.Is(err, cases.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return it, nil
}

// ItemURL returns a link to view an item. Backends without URLs fall back to
// the authenticated file endpoint.
func (s *Service) ItemURL(ctx context.Context, p auth.Principal, itemID uuid.UUID) (string, error) {
	it, err := s.itemFor(ctx, p, itemID)
	if err != nil {
		return "", err
	}
	url, err := s.store.URL(ctx, it.StoragePath)
	if errors.Is(err, blobstore.ErrURLNotSupported) {
		return "/api/v1/images/items/" + it.ID.String() + "/file", nil
	}
	return url, err
}

// OpenItem streams an item's stored file.
func (s *Service) OpenItem(ctx context.Context, p auth.Principal, itemID uuid.UUID) (*Item, io.ReadCloser, error) {
	it, err := s.itemFor(ctx, p, itemID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.store.Open(ctx, it.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return it, rc, nil
}

// Preview renders a DICOM item's first frame as a JPEG. Files that cannot be
// decoded report ErrPreviewUnavailable.
func (s *Service) Preview(ctx context.Context, p auth.Principal, itemID uuid.UUID) ([]byte, error) {
	it, err := s.itemFor(ctx, p, itemID)
	if err != nil {
		return nil, err
	}
	if !it.IsDicom {
		return nil, ErrNotDicom
	}
	size := it.Size
	if obj, err := s.store.Stat(ctx, it.StoragePath); err == nil && obj.Size > 0 {
		size = obj.Size
	}
	rc, err := s.store.Open(ctx, it.StoragePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if err := s.preview.Preview(rc, size, &buf); err != nil {
		s.logger.Warn().Err(err).Str("item_id", it.ID.String()).Msg("dicom preview failed")
		return nil, fmt.Errorf("%w: %v", ErrPreviewUnavailable, err)
	}
	return buf.Bytes(), nil
}

// CaseDeleteHook collects a case's stored files before the case row goes and
// removes them once the deletion has committed.
func (s *Service) CaseDeleteHook(ctx context.Context, c *cases.Case) (func(), error) {
	items, err := s.repo.ListItems(ctx, c.ID, false)
	if err != nil {
		return nil, fmt.Errorf("list case images: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.StoragePath
	}
	return func() { s.deleteBlobs(context.Background(), paths) }, nil
}
