package cases

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusInReview  Status = "IN_REVIEW"
	StatusCompleted Status = "COMPLETED"
	StatusArchived  Status = "ARCHIVED"
)

// transitions lists the allowed next states. ARCHIVED is terminal.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusActive, StatusArchived},
	StatusActive:    {StatusInReview, StatusArchived},
	StatusInReview:  {StatusActive, StatusCompleted, StatusArchived},
	StatusCompleted: {StatusActive, StatusArchived},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusArchived
}

// CanTransition reports whether a case in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Case maps to the clinical_case table.
type Case struct {
	ID                uuid.UUID              `db:"id" json:"id"`
	CaseNumber        string                 `db:"case_number" json:"case_number"`
	PatientID         uuid.UUID              `db:"patient_id" json:"patient_id"`
	CategoryID        *uuid.UUID             `db:"category_id" json:"category_id,omitempty"`
	Title             string                 `db:"title" json:"title"`
	ChiefComplaint    string                 `db:"chief_complaint" json:"chief_complaint"`
	ClinicalFindings  string                 `db:"clinical_findings" json:"clinical_findings"`
	Diagnosis         string                 `db:"diagnosis" json:"diagnosis"`
	TreatmentPlan     string                 `db:"treatment_plan" json:"treatment_plan"`
	Prognosis         string                 `db:"prognosis" json:"prognosis"`
	Status            Status                 `db:"status" json:"status"`
	Priority          Priority               `db:"priority" json:"priority"`
	OrganizationID    uuid.UUID              `db:"organization_id" json:"organization_id"`
	CreatedBy         uuid.UUID              `db:"created_by" json:"created_by"`
	AssignedTo        *uuid.UUID             `db:"assigned_to" json:"assigned_to,omitempty"`
	Tags              []string               `db:"tags" json:"tags"`
	Metadata          map[string]interface{} `db:"metadata" json:"metadata"`
	IsShared          bool                   `db:"is_shared" json:"is_shared"`
	ShareWithBranches []uuid.UUID            `db:"share_with_branches" json:"share_with_branches"`
	CreatedAt         time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time              `db:"updated_at" json:"updated_at"`
	CompletedAt       *time.Time             `db:"completed_at" json:"completed_at,omitempty"`
}

// SharedWith reports whether org was granted access to the case.
func (c *Case) SharedWith(org uuid.UUID) bool {
	for _, id := range c.ShareWithBranches {
		if id == org {
			return true
		}
	}
	return false
}

// setStatus moves the case to next and keeps completed_at consistent.
func (c *Case) setStatus(next Status, now time.Time) {
	if next == StatusCompleted && c.Status != StatusCompleted {
		t := now
		c.CompletedAt = &t
	} else if next != StatusCompleted {
		c.CompletedAt = nil
	}
	c.Status = next
}

type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityTeam    Visibility = "TEAM"
	VisibilityShared  Visibility = "SHARED"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityTeam || v == VisibilityShared
}

// Comment maps to the case_comment table.
type Comment struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	CaseID     uuid.UUID  `db:"case_id" json:"case_id"`
	AuthorID   uuid.UUID  `db:"author_id" json:"author_id"`
	Content    string     `db:"content" json:"content"`
	Visibility Visibility `db:"visibility" json:"visibility"`
	ParentID   *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	IsEdited   bool       `db:"is_edited" json:"is_edited"`
	EditedAt   *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

type OpinionStatus string

const (
	OpinionDraft     OpinionStatus = "DRAFT"
	OpinionPublished OpinionStatus = "PUBLISHED"
)

// Opinion maps to the case_opinion table.
type Opinion struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	CaseID    uuid.UUID     `db:"case_id" json:"case_id"`
	AuthorID  uuid.UUID     `db:"author_id" json:"author_id"`
	Content   string        `db:"content" json:"content"`
	Status    OpinionStatus `db:"status" json:"status"`
	IsDeleted bool          `db:"is_deleted" json:"-"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// ListQuery filters case listings. Viewer scoping is always applied.
type ListQuery struct {
	Viewer      Viewer
	Search      string
	Status      Status
	Priority    Priority
	AssignedTo  *uuid.UUID
	CategoryID  *uuid.UUID
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}

// Viewer is the part of a principal the list visibility clause needs.
type Viewer struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	IsSuperuser    bool
}
