package organization

import (
	"time"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

type OrgType string

const (
	OrgTypeHQ     OrgType = "HQ"
	OrgTypeBranch OrgType = "BRANCH"
)

// Organization maps to the organization table.
type Organization struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	OrgType   OrgType   `db:"org_type" json:"org_type"`
	Address   string    `db:"address" json:"address,omitempty"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	Email     string    `db:"email" json:"email,omitempty"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// UserProfile maps to the user_profile table. Every authenticated user has
// exactly one.
type UserProfile struct {
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	Role           auth.Role `db:"role" json:"role"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	Email          string    `db:"email" json:"email,omitempty"`
	IsStaff        bool      `db:"is_staff" json:"is_staff"`
	IsSuperuser    bool      `db:"is_superuser" json:"is_superuser"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

func (p *UserProfile) IsAdmin() bool {
	return p.Role == auth.RoleHQAdmin || p.Role == auth.RoleBranchAdmin
}

// Principal combines the stored profile with what the token asserts. Token
// staff/superuser flags are additive.
func (p *UserProfile) Principal(id auth.Identity) auth.Principal {
	name := p.DisplayName
	if name == "" {
		name = id.Name
	}
	email := p.Email
	if email == "" {
		email = id.Email
	}
	return auth.Principal{
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
		Email:          email,
		Name:           name,
		IsStaff:        p.IsStaff || id.IsStaff,
		IsSuperuser:    p.IsSuperuser || id.IsSuperuser,
	}
}
