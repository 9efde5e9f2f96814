package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/cases"
	"github.com/dcplant/dcplant/internal/domain/patient"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/dicomfile"
)

var ErrExportUnreadable = errors.New("none of the case's files could be read")

const manifestName = "README.txt"

// ExportPlan is an export that passed every check that can fail before the
// first byte is written.
type ExportPlan struct {
	Case     *cases.Case
	Patient  *patient.Patient
	Scope    Scope
	Items    []*Item
	Missing  []*Item
	Filename string
}

// ExportResult summarizes a written archive.
type ExportResult struct {
	Files   []string
	Skipped []string
}

// PlanExport selects and checks the files of an export. It fails with
// ErrNoImages when there is nothing to export and ErrExportUnreadable when no
// stored file can be found.
func (s *Service) PlanExport(ctx context.Context, p auth.Principal, caseID uuid.UUID, scope Scope) (*ExportPlan, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("invalid scope: %s", scope)
	}
	c, _, err := s.access.Authorize(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, caseID, scope == ScopeDicomOnly)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoImages
	}
	SortSeries(items)
	items = dicomFirst(items)

	plan := &ExportPlan{Case: c, Scope: scope}
	for _, it := range items {
		if _, err := s.store.Stat(ctx, it.StoragePath); err != nil {
			s.logger.Warn().Err(err).Str("item_id", it.ID.String()).Msg("export source missing")
			plan.Missing = append(plan.Missing, it)
			continue
		}
		plan.Items = append(plan.Items, it)
	}
	if len(plan.Items) == 0 {
		return nil, ErrExportUnreadable
	}
	if pt, err := s.patients.Lookup(ctx, c.PatientID); err == nil {
		plan.Patient = pt
	}
	plan.Filename = fmt.Sprintf("case_%s_%s_%s.zip", c.CaseNumber, scope, s.now().UTC().Format("20060102"))
	return plan, nil
}

// WriteExport records the download and streams the archive into w.
func (s *Service) WriteExport(ctx context.Context, p auth.Principal, plan *ExportPlan, w io.Writer) (*ExportResult, error) {
	what := "all images"
	if plan.Scope == ScopeDicomOnly {
		what = "DICOM series"
	}
	err := s.log.Record(ctx, activity.Entry{
		CaseID:      plan.Case.ID,
		UserID:      p.UserRef(),
		Type:        activity.TypeDownloaded,
		Description: fmt.Sprintf("Downloaded %s (%d files)", what, len(plan.Items)),
		Metadata: map[string]interface{}{
			"scope":      string(plan.Scope),
			"file_count": len(plan.Items),
			"missing":    len(plan.Missing),
		},
	})
	if err != nil {
		return nil, err
	}
	exporter := p.Name
	if exporter == "" {
		exporter = p.Email
	}
	return NewExporter(s.store, s.logger).WriteZip(ctx, w, plan, exporter, s.now())
}

// dicomFirst keeps the relative order but moves DICOM items ahead.
func dicomFirst(items []*Item) []*Item {
	out := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.IsDicom {
			out = append(out, it)
		}
	}
	for _, it := range items {
		if !it.IsDicom {
			out = append(out, it)
		}
	}
	return out
}

// Exporter streams case files into a ZIP archive.
type Exporter struct {
	store  blobstore.BlobStore
	logger zerolog.Logger
}

func NewExporter(store blobstore.BlobStore, logger zerolog.Logger) *Exporter {
	return &Exporter{store: store, logger: logger}
}

// WriteZip writes every planned item and a README.txt manifest, which comes
// last so it can list skipped files. Files that cannot be opened are skipped.
// An error while copying aborts the archive.
func (e *Exporter) WriteZip(ctx context.Context, w io.Writer, plan *ExportPlan, exporter string, now time.Time) (*ExportResult, error) {
	zw := zip.NewWriter(w)
	res := &ExportResult{}
	for _, it := range plan.Missing {
		res.Skipped = append(res.Skipped, it.OriginalName+": file not found")
	}

	names := ArchivePaths(plan.Items)
	sizes := make([]int64, 0, len(plan.Items))
	for i, it := range plan.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := e.store.Open(ctx, it.StoragePath)
		if err != nil {
			e.logger.Warn().Err(err).Str("item_id", it.ID.String()).Msg("export source unreadable")
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %v", it.OriginalName, err))
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: names[i], Method: zip.Deflate, Modified: now})
		if err != nil {
			rc.Close()
			return nil, err
		}
		n, err := io.Copy(fw, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", names[i], err)
		}
		res.Files = append(res.Files, names[i])
		sizes = append(sizes, n)
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: manifestName, Method: zip.Deflate, Modified: now})
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(mw, manifest(plan, res, sizes, exporter, now)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return res, nil
}

// ArchivePaths assigns each item its path inside the archive. DICOM files go
// to DICOM_Files/, named dicom_NNNN.dcm when the stored name lacks a DICOM
// extension. Others go to Images/<type>/. Repeated names get _2, _3 suffixes.
func ArchivePaths(items []*Item) []string {
	used := make(map[string]bool, len(items)+1)
	used[manifestName] = true
	out := make([]string, len(items))
	dicomN := 0
	for i, it := range items {
		name := it.OriginalName
		if name == "" {
			name = blobstore.OriginalName(it.StoragePath)
		}
		var p string
		if it.IsDicom {
			dicomN++
			if !dicomfile.HasDICOMExtension(name) {
				name = fmt.Sprintf("dicom_%04d.dcm", dicomN)
			}
			p = "DICOM_Files/" + name
		} else {
			if path.Ext(name) == "" && requestable[it.ImageType] {
				name += ".jpg"
			}
			p = "Images/" + string(it.ImageType) + "/" + name
		}
		out[i] = uniquePath(used, p)
	}
	return out
}

func uniquePath(used map[string]bool, p string) string {
	if !used[p] {
		used[p] = true
		return p
	}
	ext := path.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}

func manifest(plan *ExportPlan, res *ExportResult, sizes []int64, exporter string, now time.Time) string {
	var b strings.Builder
	if plan.Scope == ScopeDicomOnly {
		b.WriteString("DCPlant - DICOM Series Export\n")
	} else {
		b.WriteString("DCPlant - Complete Image Export\n")
	}
	fmt.Fprintf(&b, "Case Number: %s\n", plan.Case.CaseNumber)
	if plan.Patient != nil {
		fmt.Fprintf(&b, "Patient: %s\n", plan.Patient.FullName())
		fmt.Fprintf(&b, "MRN: %s\n", plan.Patient.MRN)
	}
	fmt.Fprintf(&b, "Export Date: %s\n", now.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Exported by: %s\n", exporter)
	fmt.Fprintf(&b, "Total Files: %d\n", len(res.Files))
	if plan.Scope == ScopeAll {
		dicom := 0
		for _, f := range res.Files {
			if strings.HasPrefix(f, "DICOM_Files/") {
				dicom++
			}
		}
		fmt.Fprintf(&b, "DICOM Files: %d\nOther Files: %d\n", dicom, len(res.Files)-dicom)
	}
	b.WriteString("\nFiles:\n")
	for i, f := range res.Files {
		fmt.Fprintf(&b, "%4d. %s (%.2f MB)\n", i+1, f, float64(sizes[i])/(1024*1024))
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(&b, "\nSkipped (%d):\n", len(res.Skipped))
		for _, s := range res.Skipped {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
