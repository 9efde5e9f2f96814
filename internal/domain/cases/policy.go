package cases

import (
	"github.com/dcplant/dcplant/internal/platform/auth"
)

// Permissions is what a principal may do with one case.
type Permissions struct {
	Read    bool `json:"read"`
	Comment bool `json:"comment"`
	Edit    bool `json:"edit"`
	Delete  bool `json:"delete"`
	Share   bool `json:"share"`
}

var (
	noAccess   = Permissions{}
	readAccess = Permissions{Read: true, Comment: true}
	fullAccess = Permissions{Read: true, Comment: true, Edit: true, Delete: true, Share: true}
)

// Evaluate applies the visibility rules in order:
//  1. a draft is visible only to its creator
//  2. the owning organization reads and comments; creator, admins and staff
//     may also edit, delete and share
//  3. organizations the case is shared with read and comment only
//
// Superusers get everything.
func Evaluate(p auth.Principal, c *Case) Permissions {
	if p.IsSuperuser {
		return fullAccess
	}
	if c.Status == StatusDraft && c.CreatedBy != p.UserID {
		return noAccess
	}
	if p.OrganizationID == c.OrganizationID {
		if c.CreatedBy == p.UserID || p.IsAdmin() || p.IsStaff {
			return fullAccess
		}
		return readAccess
	}
	if c.SharedWith(p.OrganizationID) {
		return readAccess
	}
	return noAccess
}

// CanDelete adds the opinion rule to Evaluate: once another user has a live
// opinion on the case only a superuser may delete it.
func CanDelete(p auth.Principal, c *Case, otherAuthorOpinions bool) bool {
	if !Evaluate(p, c).Delete {
		return false
	}
	return !otherAuthorOpinions || p.IsSuperuser
}

// CanSeeComment decides comment visibility for a reader who can read c.
func CanSeeComment(p auth.Principal, c *Case, cm *Comment) bool {
	if cm.AuthorID == p.UserID || p.IsSuperuser {
		return true
	}
	switch cm.Visibility {
	case VisibilityTeam:
		return p.OrganizationID == c.OrganizationID
	case VisibilityShared:
		return Evaluate(p, c).Read
	}
	return false
}

// CanDeleteComment allows the author, owning organization admins and superusers.
func CanDeleteComment(p auth.Principal, c *Case, cm *Comment) bool {
	if p.IsSuperuser || cm.AuthorID == p.UserID {
		return true
	}
	return p.OrganizationID == c.OrganizationID && p.IsAdmin()
}

// CanSeeOpinion hides other authors' drafts.
func CanSeeOpinion(p auth.Principal, o *Opinion) bool {
	return o.Status == OpinionPublished || o.AuthorID == p.UserID || p.IsSuperuser
}

func viewerOf(p auth.Principal) Viewer {
	return Viewer{UserID: p.UserID, OrganizationID: p.OrganizationID, IsSuperuser: p.IsSuperuser}
}
