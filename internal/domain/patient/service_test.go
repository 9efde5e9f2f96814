package patient

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

// -- Mock Repository --

type mockRepo struct {
	items      map[uuid.UUID]*Patient
	referenced map[uuid.UUID]bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Patient), referenced: make(map[uuid.UUID]bool)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	for _, existing := range m.items {
		if existing.MRN == p.MRN {
			return ErrDuplicateMRN
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.items[p.ID] = p
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error) {
	out := make(map[uuid.UUID]*Patient)
	for _, id := range ids {
		if p, ok := m.items[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.items[p.ID]; !ok {
		return ErrNotFound
	}
	m.items[p.ID] = p
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	if m.referenced[id] {
		return ErrPatientInUse
	}
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.items {
		if f.OrganizationID != nil && p.OrganizationID != *f.OrganizationID {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(p.MRN+p.FirstName+p.LastName), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo), repo
}

func dentist(org uuid.UUID) auth.Principal {
	return auth.Principal{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleDentist}
}

func TestCreate(t *testing.T) {
	svc, _ := newTestService()
	org := uuid.New()
	pr := dentist(org)
	p := &Patient{MRN: " CN-1 ", FirstName: "Ada", LastName: "Lovelace", Gender: "f"}

	if err := svc.Create(context.Background(), pr, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.OrganizationID != org {
		t.Error("expected organization from principal")
	}
	if p.MRN != "CN-1" || p.Gender != "F" {
		t.Errorf("expected normalised fields, got mrn=%q gender=%q", p.MRN, p.Gender)
	}
	if p.CreatedBy == nil || *p.CreatedBy != pr.UserID {
		t.Error("expected created_by set")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService()
	pr := dentist(uuid.New())
	tests := []struct {
		name string
		p    Patient
	}{
		{"missing mrn", Patient{FirstName: "A", LastName: "B"}},
		{"missing name", Patient{MRN: "1", FirstName: "A"}},
		{"bad gender", Patient{MRN: "1", FirstName: "A", LastName: "B", Gender: "X"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.p
			if err := svc.Create(context.Background(), pr, &p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreate_ReadOnlyForbidden(t *testing.T) {
	svc, _ := newTestService()
	pr := auth.Principal{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleReadOnly}
	err := svc.Create(context.Background(), pr, &Patient{MRN: "1", FirstName: "A", LastName: "B"})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestCreate_DuplicateMRN(t *testing.T) {
	svc, _ := newTestService()
	pr := dentist(uuid.New())
	_ = svc.Create(context.Background(), pr, &Patient{MRN: "1", FirstName: "A", LastName: "B"})
	err := svc.Create(context.Background(), pr, &Patient{MRN: "1", FirstName: "C", LastName: "D"})
	if !errors.Is(err, ErrDuplicateMRN) {
		t.Errorf("expected ErrDuplicateMRN, got %v", err)
	}
}

func TestGet_OtherOrganizationHidden(t *testing.T) {
	svc, _ := newTestService()
	owner := dentist(uuid.New())
	p := &Patient{MRN: "1", FirstName: "A", LastName: "B"}
	_ = svc.Create(context.Background(), owner, p)

	if _, err := svc.Get(context.Background(), dentist(uuid.New()), p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other org, got %v", err)
	}
	su := auth.Principal{UserID: uuid.New(), IsSuperuser: true}
	if _, err := svc.Get(context.Background(), su, p.ID); err != nil {
		t.Errorf("expected superuser access, got %v", err)
	}
}

func TestUpdate_KeepsOwnership(t *testing.T) {
	svc, repo := newTestService()
	owner := dentist(uuid.New())
	p := &Patient{MRN: "1", FirstName: "A", LastName: "B", MedicalHistory: map[string]interface{}{"asthma": true}}
	_ = svc.Create(context.Background(), owner, p)

	upd := &Patient{ID: p.ID, MRN: "1", FirstName: "Anne", LastName: "B", OrganizationID: uuid.New()}
	if err := svc.Update(context.Background(), owner, upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := repo.items[p.ID]
	if stored.OrganizationID != owner.OrganizationID {
		t.Error("organization must not change on update")
	}
	if stored.MedicalHistory["asthma"] != true {
		t.Error("expected medical history kept when omitted")
	}
}

func TestDelete(t *testing.T) {
	svc, repo := newTestService()
	org := uuid.New()
	p := &Patient{MRN: "1", FirstName: "A", LastName: "B"}
	_ = svc.Create(context.Background(), dentist(org), p)
	admin := auth.Principal{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleBranchAdmin}

	if err := svc.Delete(context.Background(), dentist(org), p.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected dentist delete forbidden, got %v", err)
	}

	repo.referenced[p.ID] = true
	if err := svc.Delete(context.Background(), admin, p.ID); !errors.Is(err, ErrPatientInUse) {
		t.Errorf("expected ErrPatientInUse, got %v", err)
	}

	repo.referenced[p.ID] = false
	if err := svc.Delete(context.Background(), admin, p.ID); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestList_ScopedToOrganization(t *testing.T) {
	svc, _ := newTestService()
	a, b := uuid.New(), uuid.New()
	_ = svc.Create(context.Background(), dentist(a), &Patient{MRN: "1", FirstName: "A", LastName: "One"})
	_ = svc.Create(context.Background(), dentist(b), &Patient{MRN: "2", FirstName: "B", LastName: "Two"})

	_, total, _ := svc.List(context.Background(), dentist(a), "", 20, 0)
	if total != 1 {
		t.Errorf("expected 1 patient in org A, got %d", total)
	}
	_, total, _ = svc.List(context.Background(), auth.Principal{IsSuperuser: true}, "", 20, 0)
	if total != 2 {
		t.Errorf("expected superuser to see 2, got %d", total)
	}
}

func TestFullName(t *testing.T) {
	tests := []struct {
		p    Patient
		want string
	}{
		{Patient{FirstName: "Ada", LastName: "Lovelace"}, "Ada Lovelace"},
		{Patient{LastName: "Lovelace"}, "Lovelace"},
		{Patient{FirstName: "Ada"}, "Ada"},
	}
	for _, tt := range tests {
		if got := tt.p.FullName(); got != tt.want {
			t.Errorf("FullName() = %q, want %q", got, tt.want)
		}
	}
}
