package organization

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("organization not found")
	ErrProfileNotFound = errors.New("user profile not found")
)

type OrganizationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	// EnsureByName returns the organization with the given name, creating it
	// with orgType when absent.
	EnsureByName(ctx context.Context, name string, orgType OrgType) (*Organization, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Organization, int, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Organization, error)
}

type ProfileRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*UserProfile, error)
	// CreateIfAbsent inserts p unless a profile for p.UserID exists, then
	// returns the stored profile.
	CreateIfAbsent(ctx context.Context, p *UserProfile) (*UserProfile, error)
	ListByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*UserProfile, error)
}
