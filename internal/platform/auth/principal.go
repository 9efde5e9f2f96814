package auth

import (
	"context"

	"github.com/google/uuid"
)

// Role is a user's role inside their organization.
type Role string

const (
	RoleHQAdmin       Role = "HQ_ADMIN"
	RoleBranchAdmin   Role = "BRANCH_ADMIN"
	RoleDentist       Role = "DENTIST"
	RoleAssistant     Role = "ASSISTANT"
	RoleFrontDesk     Role = "FRONT_DESK"
	RoleReadOnly      Role = "READ_ONLY"
	RoleExternalGuest Role = "EXTERNAL_GUEST"
)

var validRoles = map[Role]bool{
	RoleHQAdmin: true, RoleBranchAdmin: true, RoleDentist: true, RoleAssistant: true,
	RoleFrontDesk: true, RoleReadOnly: true, RoleExternalGuest: true,
}

func (r Role) Valid() bool { return validRoles[r] }

// Identity is what a verified bearer token says about the caller. It carries no
// organization membership; that comes from the user's profile.
type Identity struct {
	UserID      uuid.UUID
	Email       string
	Name        string
	IsStaff     bool
	IsSuperuser bool
}

// Principal is the fully resolved caller every core operation receives.
type Principal struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           Role
	Email          string
	Name           string
	IsStaff        bool
	IsSuperuser    bool
}

// IsAdmin reports an organization admin (HQ or branch).
func (p Principal) IsAdmin() bool {
	return p.Role == RoleHQAdmin || p.Role == RoleBranchAdmin
}

// CanWrite reports whether the role may create or change records in its own
// organization.
func (p Principal) CanWrite() bool {
	return p.IsSuperuser || (p.Role != RoleReadOnly && p.Role != RoleExternalGuest && p.Role != "")
}

// CanUpload reports whether the role may add images to cases it can read in
// its own organization.
func (p Principal) CanUpload() bool { return p.CanWrite() }

// System returns the principal used by scheduled jobs. It has no user id.
func System() Principal {
	return Principal{IsSuperuser: true, IsStaff: true, Name: "system"}
}

// UserRef returns the user id for audit records, or nil for the system principal.
func (p Principal) UserRef() *uuid.UUID {
	if p.UserID == uuid.Nil {
		return nil
	}
	id := p.UserID
	return &id
}

const (
	identityKey  contextKey = "identity"
	principalKey contextKey = "principal"
)

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
