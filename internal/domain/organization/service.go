package organization

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

// DefaultRole is assigned to profiles created on first sight of a user.
const DefaultRole = auth.RoleReadOnly

type Service struct {
	orgs       OrganizationRepository
	profiles   ProfileRepository
	defaultOrg string
	logger     zerolog.Logger
}

func NewService(orgs OrganizationRepository, profiles ProfileRepository, defaultOrg string, logger zerolog.Logger) *Service {
	return &Service{orgs: orgs, profiles: profiles, defaultOrg: defaultOrg, logger: logger}
}

// EnsureProfile returns the caller's profile, creating one in the default
// organization when none exists. The result is never nil on success.
func (s *Service) EnsureProfile(ctx context.Context, id auth.Identity) (*UserProfile, error) {
	if id.UserID == uuid.Nil {
		return nil, fmt.Errorf("identity has no user id")
	}
	p, err := s.profiles.GetByUserID(ctx, id.UserID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	org, err := s.orgs.EnsureByName(ctx, s.defaultOrg, OrgTypeBranch)
	if err != nil {
		return nil, fmt.Errorf("ensure default organization: %w", err)
	}
	p, err = s.profiles.CreateIfAbsent(ctx, &UserProfile{
		UserID:         id.UserID,
		OrganizationID: org.ID,
		Role:           DefaultRole,
		DisplayName:    id.Name,
		Email:          id.Email,
		IsStaff:        id.IsStaff,
		IsSuperuser:    id.IsSuperuser,
	})
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	s.logger.Info().
		Str("user_id", id.UserID.String()).
		Str("organization", org.Name).
		Msg("created default profile")
	return p, nil
}

func (s *Service) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.orgs.GetByID(ctx, id)
}

func (s *Service) ListOrganizations(ctx context.Context, activeOnly bool, limit, offset int) ([]*Organization, int, error) {
	return s.orgs.List(ctx, activeOnly, limit, offset)
}

// OrganizationEmails returns the non-empty contact addresses of the given
// organizations.
func (s *Service) OrganizationEmails(ctx context.Context, ids []uuid.UUID) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	orgs, err := s.orgs.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, o := range orgs {
		if o.Email != "" {
			out = append(out, o.Email)
		}
	}
	return out, nil
}

// OrganizationNames maps organization ids to names.
func (s *Service) OrganizationNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	orgs, err := s.orgs.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range orgs {
		out[o.ID] = o.Name
	}
	return out, nil
}

// Users maps user ids to their profiles. Unknown ids are absent.
func (s *Service) Users(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*UserProfile, error) {
	out := make(map[uuid.UUID]*UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	profiles, err := s.profiles.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		out[p.UserID] = p
	}
	return out, nil
}
