package imaging

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
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

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*Batch
	items   map[uuid.UUID]*Item
	clock   time.Time
	// failItem makes CreateItem fail for matching names.
	failItem func(it *Item) error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		batches: make(map[uuid.UUID]*Batch),
		items:   make(map[uuid.UUID]*Item),
		clock:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick hands out strictly increasing timestamps so batch order is stable.
func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func cloneItem(it *Item) *Item {
	cp := *it
	return &cp
}

func (m *mockRepo) CreateBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = uuid.New()
	b.CreatedAt = m.tick()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	cp.Items = nil
	m.batches[b.ID] = &cp
	return nil
}

func (m *mockRepo) GetBatch(_ context.Context, id uuid.UUID) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) UpdateBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.batches[b.ID]
	if !ok {
		return ErrBatchNotFound
	}
	stored.Title, stored.Description = b.Title, b.Description
	stored.UpdatedAt = m.tick()
	b.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *mockRepo) ListBatches(_ context.Context, caseID uuid.UUID) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Batch
	for _, b := range m.batches {
		if b.CaseID != caseID {
			continue
		}
		cp := *b
		for _, it := range m.items {
			if it.BatchID == b.ID {
				cp.Items = append(cp.Items, m.withBatch(it))
			}
		}
		SortSeries(cp.Items)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRepo) DeleteBatches(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.batches, id)
		for itemID, it := range m.items {
			if it.BatchID == id {
				delete(m.items, itemID)
			}
		}
	}
	return nil
}

func (m *mockRepo) CreateItem(_ context.Context, it *Item) error {
	if m.failItem != nil {
		if err := m.failItem(it); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[it.BatchID]; !ok {
		return ErrBatchNotFound
	}
	it.ID = uuid.New()
	it.IsPrimary = false
	it.CreatedAt = m.tick()
	m.items[it.ID] = cloneItem(it)
	return nil
}

func (m *mockRepo) GetItem(_ context.Context, id uuid.UUID) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return m.withBatch(it), nil
}

// ClaimPrimary emulates the partial unique index on (case_id) WHERE is_primary.
func (m *mockRepo) ClaimPrimary(_ context.Context, caseID, itemID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.CaseID == caseID && it.IsPrimary {
			return false, nil
		}
	}
	it, ok := m.items[itemID]
	if !ok || it.CaseID != caseID {
		return false, nil
	}
	it.IsPrimary = true
	return true, nil
}

func (m *mockRepo) withBatch(it *Item) *Item {
	cp := cloneItem(it)
	if b, ok := m.batches[it.BatchID]; ok {
		cp.BatchCreatedAt = b.CreatedAt
	}
	return cp
}

func (m *mockRepo) ListItems(_ context.Context, caseID uuid.UUID, dicomOnly bool) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, it := range m.items {
		if it.CaseID == caseID && (!dicomOnly || it.IsDicom) {
			out = append(out, m.withBatch(it))
		}
	}
	SortSeries(out)
	return out, nil
}

func (m *mockRepo) ListItemsByBatches(_ context.Context, batchIDs []uuid.UUID) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(batchIDs))
	for _, id := range batchIDs {
		want[id] = true
	}
	var out []*Item
	for _, it := range m.items {
		if want[it.BatchID] {
			out = append(out, m.withBatch(it))
		}
	}
	SortSeries(out)
	return out, nil
}

func (m *mockRepo) DicomBatchIDs(_ context.Context, caseID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, it := range m.items {
		if it.CaseID == caseID && it.IsDicom && !seen[it.BatchID] {
			seen[it.BatchID] = true
			out = append(out, it.BatchID)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateOrder(_ context.Context, itemID uuid.UUID, order int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	it.Order = order
	return nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mockRepo) primaries(caseID uuid.UUID) []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, it := range m.items {
		if it.CaseID == caseID && it.IsPrimary {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

// -- Mock Collaborators --

// mockAccess grants perms on every known case. Unknown cases are not found.
type mockAccess struct {
	mu    sync.Mutex
	cases map[uuid.UUID]*cases.Case
	perms cases.Permissions
}

func (m *mockAccess) Authorize(_ context.Context, _ auth.Principal, id uuid.UUID) (*cases.Case, cases.Permissions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok || !m.perms.Read {
		return nil, cases.Permissions{}, cases.ErrNotFound
	}
	cp := *c
	return &cp, m.perms, nil
}

type mockPatients struct {
	items map[uuid.UUID]*patient.Patient
}

func (m *mockPatients) Lookup(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return p, nil
}

type mockRecorder struct {
	mu      sync.Mutex
	entries []activity.Entry
	fail    error
}

func (m *mockRecorder) Record(_ context.Context, e activity.Entry) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRecorder) ofType(t activity.Type) []activity.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []activity.Entry
	for _, e := range m.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeParser reads headers of the form "DICM instance=N". Anything without
// the DICM marker fails to parse.
type fakeParser struct{}

func (fakeParser) Parse(r io.Reader, _ int64) (*dicomfile.Metadata, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if !strings.HasPrefix(s, "DICM") {
		return nil, errors.New("not a DICOM file")
	}
	md := &dicomfile.Metadata{Modality: "CT", SeriesUID: "1.2.3"}
	if i := strings.Index(s, "instance="); i >= 0 {
		if n, err := strconv.Atoi(strings.Fields(s[i+len("instance="):])[0]); err == nil {
			md.InstanceNumber = &n
		}
	}
	return md, nil
}

func dicomBody(instance int) string {
	return "DICM instance=" + strconv.Itoa(instance) + " pixels"
}

// -- Fixture --

type fixture struct {
	repo     *mockRepo
	store    *blobstore.InMemoryBlobStore
	access   *mockAccess
	patients *mockPatients
	log      *mockRecorder
	ingestor *Ingestor
	svc      *Service

	kase   *cases.Case
	pt     *patient.Patient
	owner  auth.Principal
	reader auth.Principal
}

func newFixture() *fixture {
	f := &fixture{
		repo:  newMockRepo(),
		store: blobstore.NewInMemoryBlobStore(),
		log:   &mockRecorder{},
	}
	org := uuid.New()
	f.pt = &patient.Patient{ID: uuid.New(), MRN: "MRN-7", FirstName: "Grace", LastName: "Hopper", OrganizationID: org}
	f.kase = &cases.Case{
		ID:             uuid.New(),
		CaseNumber:     "SMI-20260301-A1B2C3",
		PatientID:      f.pt.ID,
		Title:          "Implant planning",
		Status:         cases.StatusActive,
		OrganizationID: org,
	}
	f.access = &mockAccess{
		cases: map[uuid.UUID]*cases.Case{f.kase.ID: f.kase},
		perms: cases.Permissions{Read: true, Comment: true, Edit: true, Delete: true, Share: true},
	}
	f.patients = &mockPatients{items: map[uuid.UUID]*patient.Patient{f.pt.ID: f.pt}}
	f.owner = auth.Principal{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleDentist, Name: "Dr Owner", Email: "owner@example.com"}
	f.reader = auth.Principal{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleReadOnly, Name: "Reader"}

	logger := zerolog.Nop()
	f.ingestor = NewIngestor(f.repo, f.store, fakeParser{}, f.log, logger)
	f.svc = NewService(f.repo, f.store, f.ingestor, f.access, f.patients, f.log, db.NoTx{}, logger)
	f.svc.preview = fakePreviewer{}
	return f
}

// readOnly limits every caller to reading and commenting.
func (f *fixture) readOnly() {
	f.access.mu.Lock()
	f.access.perms = cases.Permissions{Read: true, Comment: true}
	f.access.mu.Unlock()
}

func blob(name, content string) FileBlob {
	return FileBlob{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}
}

func brokenBlob(name string) FileBlob {
	return FileBlob{
		Name: name,
		Open: func() (io.ReadCloser, error) { return nil, errors.New("connection reset") },
	}
}

// upload ingests files as the case owner and fails the test on error.
func (f *fixture) upload(t *testing.T, files ...FileBlob) *BatchResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), f.owner, f.kase.ID, files, IngestOptions{})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

func names(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.OriginalName
	}
	return out
}

// fakePreviewer "renders" files carrying the DICM marker and fails on
// anything else.
type fakePreviewer struct{}

func (fakePreviewer) Preview(r io.Reader, _ int64, w io.Writer) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(b), "DICM") {
		return errors.New("dicom: missing preamble")
	}
	_, err = io.WriteString(w, "JPEG")
	return err
}
