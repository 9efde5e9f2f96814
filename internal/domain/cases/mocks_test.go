package cases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/organization"
	"github.com/dcplant/dcplant/internal/domain/patient"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/db"
)

// -- Mock Repositories --

type mockCaseRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Case
}

func newMockCaseRepo() *mockCaseRepo {
	return &mockCaseRepo{items: make(map[uuid.UUID]*Case)}
}

func cloneCase(c *Case) *Case {
	cp := *c
	if c.CategoryID != nil {
		id := *c.CategoryID
		cp.CategoryID = &id
	}
	cp.Tags = append([]string(nil), c.Tags...)
	cp.ShareWithBranches = append([]uuid.UUID(nil), c.ShareWithBranches...)
	return &cp
}

func (m *mockCaseRepo) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.CaseNumber == c.CaseNumber {
			return ErrDuplicateCaseNumber
		}
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.items[c.ID] = cloneCase(c)
	return nil
}

func (m *mockCaseRepo) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCase(c), nil
}

func (m *mockCaseRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Case, error) {
	return m.GetByID(ctx, id)
}

func (m *mockCaseRepo) Update(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.items[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CaseNumber = existing.CaseNumber
	c.UpdatedAt = time.Now()
	m.items[c.ID] = cloneCase(c)
	return nil
}

func (m *mockCaseRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

// visibleTo mirrors visibilityClause.
func visibleTo(v Viewer, c *Case) bool {
	if v.IsSuperuser {
		return true
	}
	if c.Status == StatusDraft && c.CreatedBy != v.UserID {
		return false
	}
	return c.OrganizationID == v.OrganizationID || c.SharedWith(v.OrganizationID)
}

func (m *mockCaseRepo) List(_ context.Context, q ListQuery) ([]*Case, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Case
	for _, c := range m.items {
		if !visibleTo(q.Viewer, c) {
			continue
		}
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		if q.Priority != "" && c.Priority != q.Priority {
			continue
		}
		if q.CategoryID != nil && (c.CategoryID == nil || *c.CategoryID != *q.CategoryID) {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(c.Title+" "+c.CaseNumber), strings.ToLower(q.Search)) {
			continue
		}
		out = append(out, cloneCase(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseNumber < out[j].CaseNumber })
	total := len(out)
	if q.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}

func (m *mockCaseRepo) ListStaleInReview(_ context.Context, before time.Time) ([]*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Case
	for _, c := range m.items {
		if c.Status == StatusInReview && c.UpdatedAt.Before(before) {
			out = append(out, cloneCase(c))
		}
	}
	return out, nil
}

func (m *mockCaseRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type mockCategoryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Category
}

func newMockCategoryRepo() *mockCategoryRepo {
	return &mockCategoryRepo{items: make(map[uuid.UUID]*Category)}
}

func (m *mockCategoryRepo) Create(_ context.Context, cat *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.Slug == cat.Slug {
			return ErrDuplicateSlug
		}
	}
	cat.ID = uuid.New()
	cat.CreatedAt = time.Now()
	cp := *cat
	m.items[cat.ID] = &cp
	return nil
}

func (m *mockCategoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.items[id]
	if !ok {
		return nil, ErrCategoryNotFound
	}
	cp := *cat
	return &cp, nil
}

func (m *mockCategoryRepo) List(_ context.Context, activeOnly bool) ([]*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Category
	for _, cat := range m.items {
		if activeOnly && !cat.IsActive {
			continue
		}
		cp := *cat
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type mockCommentRepo struct {
	items map[uuid.UUID]*Comment
	order []uuid.UUID
}

func newMockCommentRepo() *mockCommentRepo {
	return &mockCommentRepo{items: make(map[uuid.UUID]*Comment)}
}

func (m *mockCommentRepo) Create(_ context.Context, cm *Comment) error {
	cm.ID = uuid.New()
	cm.CreatedAt = time.Now()
	m.items[cm.ID] = cm
	m.order = append(m.order, cm.ID)
	return nil
}

func (m *mockCommentRepo) GetByID(_ context.Context, id uuid.UUID) (*Comment, error) {
	cm, ok := m.items[id]
	if !ok {
		return nil, ErrCommentNotFound
	}
	return cm, nil
}

func (m *mockCommentRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.items[id]; !ok {
		return ErrCommentNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockCommentRepo) ListByCase(_ context.Context, caseID uuid.UUID) ([]*Comment, error) {
	var out []*Comment
	for _, id := range m.order {
		if cm, ok := m.items[id]; ok && cm.CaseID == caseID {
			out = append(out, cm)
		}
	}
	return out, nil
}

type mockOpinionRepo struct {
	items []*Opinion
}

func (m *mockOpinionRepo) Create(_ context.Context, o *Opinion) error {
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	m.items = append(m.items, o)
	return nil
}

func (m *mockOpinionRepo) ListByCase(_ context.Context, caseID uuid.UUID) ([]*Opinion, error) {
	var out []*Opinion
	for _, o := range m.items {
		if o.CaseID == caseID && !o.IsDeleted {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOpinionRepo) HasOtherAuthors(_ context.Context, caseID, userID uuid.UUID) (bool, error) {
	for _, o := range m.items {
		if o.CaseID == caseID && !o.IsDeleted && o.AuthorID != userID {
			return true, nil
		}
	}
	return false, nil
}

// -- Mock Collaborators --

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

func (m *mockPatients) LookupMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*patient.Patient, error) {
	out := make(map[uuid.UUID]*patient.Patient)
	for _, id := range ids {
		if p, ok := m.items[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type mockDirectory struct {
	orgs  map[uuid.UUID]*organization.Organization
	users map[uuid.UUID]*organization.UserProfile
}

func (m *mockDirectory) GetOrganization(_ context.Context, id uuid.UUID) (*organization.Organization, error) {
	o, ok := m.orgs[id]
	if !ok {
		return nil, organization.ErrNotFound
	}
	return o, nil
}

func (m *mockDirectory) OrganizationEmails(_ context.Context, ids []uuid.UUID) ([]string, error) {
	var out []string
	for _, id := range ids {
		for _, u := range m.users {
			if u.OrganizationID == id && u.Email != "" {
				out = append(out, u.Email)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockDirectory) OrganizationNames(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string)
	for _, id := range ids {
		if o, ok := m.orgs[id]; ok {
			out[id] = o.Name
		}
	}
	return out, nil
}

func (m *mockDirectory) Users(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*organization.UserProfile, error) {
	out := make(map[uuid.UUID]*organization.UserProfile)
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type mockActivityLog struct {
	mu      sync.Mutex
	entries []activity.Entry
	fail    error
}

func (m *mockActivityLog) Record(_ context.Context, e activity.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockActivityLog) List(_ context.Context, caseID uuid.UUID, limit, offset int) ([]*activity.Activity, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*activity.Activity
	for _, e := range m.entries {
		if e.CaseID == caseID {
			out = append(out, &activity.Activity{CaseID: e.CaseID, UserID: e.UserID, Type: e.Type, Description: e.Description})
		}
	}
	return out, len(out), nil
}

// ofType returns the recorded entries of type t.
func (m *mockActivityLog) ofType(t activity.Type) []activity.Entry {
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

func (m *mockActivityLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type notifyCall struct {
	To       []string
	Template string
	Data     map[string]string
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (m *mockNotifier) Notify(_ context.Context, to []string, templateID string, data map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, notifyCall{To: to, Template: templateID, Data: data})
}

// -- Fixture --

type fixture struct {
	svc        *Service
	cases      *mockCaseRepo
	comments   *mockCommentRepo
	opinions   *mockOpinionRepo
	categories *mockCategoryRepo
	patients   *mockPatients
	dir        *mockDirectory
	log        *mockActivityLog
	notifier   *mockNotifier

	hq, branch, other uuid.UUID
	hqPatient         uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		cases:      newMockCaseRepo(),
		comments:   newMockCommentRepo(),
		opinions:   &mockOpinionRepo{},
		categories: newMockCategoryRepo(),
		patients:   &mockPatients{items: make(map[uuid.UUID]*patient.Patient)},
		dir: &mockDirectory{
			orgs:  make(map[uuid.UUID]*organization.Organization),
			users: make(map[uuid.UUID]*organization.UserProfile),
		},
		log:        &mockActivityLog{},
		notifier:   &mockNotifier{},
		hq:         uuid.New(),
		branch:     uuid.New(),
		other:      uuid.New(),
	}
	f.dir.orgs[f.hq] = &organization.Organization{ID: f.hq, Name: "Smile Dental HQ", OrgType: organization.OrgTypeHQ}
	f.dir.orgs[f.branch] = &organization.Organization{ID: f.branch, Name: "Smile Dental North", OrgType: organization.OrgTypeBranch}
	f.dir.orgs[f.other] = &organization.Organization{ID: f.other, Name: "Other Clinic", OrgType: organization.OrgTypeBranch}
	f.hqPatient = uuid.New()
	f.patients.items[f.hqPatient] = &patient.Patient{ID: f.hqPatient, MRN: "MRN-1", FirstName: "Ada", LastName: "Lovelace", OrganizationID: f.hq}

	f.svc = NewService(f.cases, f.comments, f.opinions, f.categories, f.patients, f.dir, f.log, db.NoTx{}, f.notifier, zerolog.Nop())
	return f
}

// user registers a profile and returns its principal.
func (f *fixture) user(org uuid.UUID, role auth.Role) auth.Principal {
	id := uuid.New()
	email := strings.ToLower(string(role)) + "-" + id.String()[:8] + "@example.com"
	f.dir.users[id] = &organization.UserProfile{UserID: id, OrganizationID: org, Role: role, DisplayName: string(role), Email: email}
	return auth.Principal{UserID: id, OrganizationID: org, Role: role, Email: email, Name: string(role)}
}

// newCase creates a case through the service as p.
func (f *fixture) newCase(p auth.Principal, status Status) *Case {
	c := &Case{Title: "Implant review", PatientID: f.hqPatient, Status: status}
	if err := f.svc.Create(context.Background(), p, c); err != nil {
		panic(err)
	}
	return c
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}
