package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

var ErrForbidden = errors.New("not allowed to access this patient")

var validGenders = map[string]bool{"": true, "M": true, "F": true, "O": true}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func validate(p *Patient) error {
	p.MRN = strings.TrimSpace(p.MRN)
	if p.MRN == "" {
		return fmt.Errorf("mrn is required")
	}
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	p.Gender = strings.ToUpper(p.Gender)
	if !validGenders[p.Gender] {
		return fmt.Errorf("invalid gender: %s", p.Gender)
	}
	return nil
}

func canSee(pr auth.Principal, p *Patient) bool {
	return pr.IsSuperuser || pr.OrganizationID == p.OrganizationID
}

func (s *Service) Create(ctx context.Context, pr auth.Principal, p *Patient) error {
	if !pr.CanWrite() {
		return ErrForbidden
	}
	if err := validate(p); err != nil {
		return err
	}
	p.OrganizationID = pr.OrganizationID
	p.CreatedBy = pr.UserRef()
	return s.repo.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, pr auth.Principal, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canSee(pr, p) {
		return nil, ErrNotFound
	}
	return p, nil
}

// Lookup loads a patient without a visibility check. Callers must already
// have authorised access through a case.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// LookupMany loads several patients without a visibility check.
func (s *Service) LookupMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error) {
	return s.repo.GetMany(ctx, ids)
}

func (s *Service) Update(ctx context.Context, pr auth.Principal, p *Patient) error {
	existing, err := s.Get(ctx, pr, p.ID)
	if err != nil {
		return err
	}
	if !pr.CanWrite() {
		return ErrForbidden
	}
	if err := validate(p); err != nil {
		return err
	}
	p.OrganizationID = existing.OrganizationID
	p.CreatedBy = existing.CreatedBy
	if p.MedicalHistory == nil {
		p.MedicalHistory = existing.MedicalHistory
	}
	return s.repo.Update(ctx, p)
}

// Delete removes a patient. It fails with ErrPatientInUse while any case
// references the patient.
func (s *Service) Delete(ctx context.Context, pr auth.Principal, id uuid.UUID) error {
	if _, err := s.Get(ctx, pr, id); err != nil {
		return err
	}
	if !(pr.IsSuperuser || pr.IsStaff || pr.IsAdmin()) {
		return ErrForbidden
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, pr auth.Principal, search string, limit, offset int) ([]*Patient, int, error) {
	f := Filter{Search: search}
	if !pr.IsSuperuser {
		org := pr.OrganizationID
		f.OrganizationID = &org
	}
	return s.repo.List(ctx, f, limit, offset)
}
