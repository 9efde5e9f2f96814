package activity

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of case event.
type Type string

const (
	TypeCreated         Type = "CREATED"
	TypeUpdated         Type = "UPDATED"
	TypeStatusChanged   Type = "STATUS_CHANGED"
	TypeAssigned        Type = "ASSIGNED"
	TypeCommented       Type = "COMMENTED"
	TypeDeletedComment  Type = "DELETED_COMMENT"
	TypeOpinionAdded    Type = "OPINION_ADDED"
	TypeImageAdded      Type = "IMAGE_ADDED"
	TypeImageRemoved    Type = "IMAGE_REMOVED"
	TypeShared          Type = "SHARED"
	TypeViewed          Type = "VIEWED"
	TypeExported        Type = "EXPORTED"
	TypeDownloaded      Type = "DOWNLOADED"
	TypeReportGenerated Type = "REPORT_GENERATED"
	TypeBulkUpdate      Type = "BULK_UPDATE"
	TypeDeleted         Type = "DELETED"
)

var validTypes = map[Type]bool{
	TypeCreated: true, TypeUpdated: true, TypeStatusChanged: true, TypeAssigned: true,
	TypeCommented: true, TypeDeletedComment: true, TypeOpinionAdded: true,
	TypeImageAdded: true, TypeImageRemoved: true, TypeShared: true, TypeViewed: true,
	TypeExported: true, TypeDownloaded: true, TypeReportGenerated: true,
	TypeBulkUpdate: true, TypeDeleted: true,
}

func (t Type) Valid() bool { return validTypes[t] }

// Activity maps to the case_activity table. Rows are append-only.
type Activity struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	CaseID      uuid.UUID              `db:"case_id" json:"case_id"`
	UserID      *uuid.UUID             `db:"user_id" json:"user_id,omitempty"`
	Type        Type                   `db:"activity_type" json:"activity_type"`
	Description string                 `db:"description" json:"description"`
	Metadata    map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	IPAddress   string                 `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}

// Entry is what callers hand to Record.
type Entry struct {
	CaseID      uuid.UUID
	UserID      *uuid.UUID
	Type        Type
	Description string
	Metadata    map[string]interface{}
	IP          string
}
