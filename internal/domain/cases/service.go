package cases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/organization"
	"github.com/dcplant/dcplant/internal/domain/patient"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/db"
	"github.com/dcplant/dcplant/internal/platform/notification"
)

var (
	ErrForbidden           = errors.New("not allowed to perform this action on the case")
	ErrHasOpinions         = fmt.Errorf("%w: other users have contributed opinions", ErrForbidden)
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidPatient      = errors.New("patient not found in your organization")
	ErrInvalidAssignee     = errors.New("assignee must belong to the case's organization")
	ErrInvalidShare        = errors.New("select at least one other existing organization")
	ErrCaseNumberExhausted = errors.New("could not allocate a unique case number")
)

const maxCaseNumberAttempts = 5

// PatientLookup loads patients without a visibility check.
type PatientLookup interface {
	Lookup(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	LookupMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*patient.Patient, error)
}

// Directory answers organization and user questions.
type Directory interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*organization.Organization, error)
	OrganizationEmails(ctx context.Context, ids []uuid.UUID) ([]string, error)
	OrganizationNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	Users(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*organization.UserProfile, error)
}

// ActivityLog is the audit trail as seen by the case workflows.
type ActivityLog interface {
	activity.Recorder
	List(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*activity.Activity, int, error)
}

// Notifier delivers fire-and-forget email.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, templateID string, data map[string]string)
}

// DeleteHook runs inside the delete transaction before the case row goes.
// The returned func, if any, runs after commit.
type DeleteHook func(ctx context.Context, c *Case) (after func(), err error)

type Service struct {
	cases       CaseRepository
	comments    CommentRepository
	opinions    OpinionRepository
	categories  CategoryRepository
	patients    PatientLookup
	dir         Directory
	log         ActivityLog
	tx          db.TxManager
	notifier    Notifier
	logger      zerolog.Logger
	now         func() time.Time
	number      NumberFunc
	deleteHooks []DeleteHook
}

func NewService(cases CaseRepository, comments CommentRepository, opinions OpinionRepository,
	categories CategoryRepository, patients PatientLookup, dir Directory, log ActivityLog, tx db.TxManager,
	notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		cases:      cases,
		comments:   comments,
		opinions:   opinions,
		categories: categories,
		patients:   patients,
		dir:        dir,
		log:        log,
		tx:         tx,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		number:     GenerateCaseNumber,
	}
}

// OnDelete registers a hook run for every case deletion.
func (s *Service) OnDelete(h DeleteHook) {
	s.deleteHooks = append(s.deleteHooks, h)
}

// Detail is a case as returned to a reader.
type Detail struct {
	*Case
	Permissions Permissions      `json:"permissions"`
	Patient     *patient.Patient `json:"patient,omitempty"`
}

// -- Access --

// Authorize loads a case and evaluates the caller's permissions. Cases the
// caller cannot read are reported as ErrNotFound.
func (s *Service) Authorize(ctx context.Context, p auth.Principal, id uuid.UUID) (*Case, Permissions, error) {
	c, err := s.cases.GetByID(ctx, id)
	if err != nil {
		return nil, noAccess, err
	}
	perms := Evaluate(p, c)
	if !perms.Read {
		return nil, noAccess, ErrNotFound
	}
	return c, perms, nil
}

// mutate locks the case, checks the permission picked by need and applies fn.
// fn returns the activity describing the change, or nil when nothing changed.
func (s *Service) mutate(ctx context.Context, p auth.Principal, id uuid.UUID,
	need func(Permissions) bool, fn func(ctx context.Context, c *Case) (*activity.Entry, error)) (*Case, error) {
	var out *Case
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		perms := Evaluate(p, c)
		if !perms.Read {
			return ErrNotFound
		}
		if !need(perms) {
			return ErrForbidden
		}
		entry, err := fn(ctx, c)
		if err != nil {
			return err
		}
		out = c
		if entry == nil {
			return nil
		}
		if err := s.cases.Update(ctx, c); err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		entry.CaseID = c.ID
		entry.UserID = p.UserRef()
		return s.log.Record(ctx, *entry)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func canEdit(p Permissions) bool  { return p.Edit }
func canShare(p Permissions) bool { return p.Share }

// -- Cases --

func (s *Service) Create(ctx context.Context, p auth.Principal, c *Case) error {
	if !p.CanWrite() {
		return ErrForbidden
	}
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return fmt.Errorf("title is required")
	}
	if c.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", c.Priority)
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Status != StatusDraft && c.Status != StatusActive {
		return fmt.Errorf("%w: new cases start as DRAFT or ACTIVE", ErrInvalidTransition)
	}
	if err := s.checkCategory(ctx, c.CategoryID); err != nil {
		return err
	}

	pt, err := s.patients.Lookup(ctx, c.PatientID)
	if errors.Is(err, patient.ErrNotFound) {
		return ErrInvalidPatient
	}
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if pt.OrganizationID != p.OrganizationID && !p.IsSuperuser {
		return ErrInvalidPatient
	}
	org, err := s.dir.GetOrganization(ctx, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("load organization: %w", err)
	}

	c.OrganizationID = p.OrganizationID
	c.CreatedBy = p.UserID
	c.IsShared = false
	c.ShareWithBranches = nil
	c.CompletedAt = nil

	for attempt := 1; attempt <= maxCaseNumberAttempts; attempt++ {
		c.CaseNumber = s.number(org.Name, s.now())
		err = s.tx.InTx(ctx, func(ctx context.Context) error {
			if err := s.cases.Create(ctx, c); err != nil {
				return err
			}
			return s.log.Record(ctx, activity.Entry{
				CaseID:      c.ID,
				UserID:      p.UserRef(),
				Type:        activity.TypeCreated,
				Description: fmt.Sprintf("Case %s created", c.CaseNumber),
				Metadata:    map[string]interface{}{"status": c.Status, "priority": c.Priority},
			})
		})
		if !errors.Is(err, ErrDuplicateCaseNumber) {
			return err
		}
		s.logger.Warn().Str("case_number", c.CaseNumber).Int("attempt", attempt).Msg("case number collision, regenerating")
	}
	return ErrCaseNumberExhausted
}

// Get returns a readable case and records the view.
func (s *Service) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*Detail, error) {
	c, perms, err := s.Authorize(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.log.Record(ctx, activity.Entry{
		CaseID:      c.ID,
		UserID:      p.UserRef(),
		Type:        activity.TypeViewed,
		Description: "Case viewed",
	}); err != nil {
		s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("failed to record case view")
	}
	d := &Detail{Case: c, Permissions: perms}
	if pt, err := s.patients.Lookup(ctx, c.PatientID); err == nil {
		d.Patient = pt
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, p auth.Principal, q ListQuery) ([]*Case, int, error) {
	q.Viewer = viewerOf(p)
	if q.Status != "" && !q.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", q.Status)
	}
	if q.Priority != "" && !q.Priority.Valid() {
		return nil, 0, fmt.Errorf("invalid priority: %s", q.Priority)
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	return s.cases.List(ctx, q)
}

// UpdateInput carries the optional fields of a case update.
type UpdateInput struct {
	Title            *string                `json:"title"`
	ChiefComplaint   *string                `json:"chief_complaint"`
	ClinicalFindings *string                `json:"clinical_findings"`
	Diagnosis        *string                `json:"diagnosis"`
	TreatmentPlan    *string                `json:"treatment_plan"`
	Prognosis        *string                `json:"prognosis"`
	Priority         *Priority              `json:"priority"`
	Status           *Status                `json:"status"`
	// CategoryID sets the category; uuid.Nil clears it.
	CategoryID       *uuid.UUID             `json:"category_id"`
	Tags             *[]string              `json:"tags"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// Update applies in to the case. A status change is logged as
// STATUS_CHANGED, anything else as UPDATED.
func (s *Service) Update(ctx context.Context, p auth.Principal, id uuid.UUID, in UpdateInput) (*Case, error) {
	return s.mutate(ctx, p, id, canEdit, func(ctx context.Context, c *Case) (*activity.Entry, error) {
		var changed []string
		setText := func(field string, dst *string, v *string) {
			if v != nil && *v != *dst {
				*dst = *v
				changed = append(changed, field)
			}
		}
		if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
			return nil, fmt.Errorf("title cannot be empty")
		}
		setText("title", &c.Title, in.Title)
		setText("chief_complaint", &c.ChiefComplaint, in.ChiefComplaint)
		setText("clinical_findings", &c.ClinicalFindings, in.ClinicalFindings)
		setText("diagnosis", &c.Diagnosis, in.Diagnosis)
		setText("treatment_plan", &c.TreatmentPlan, in.TreatmentPlan)
		setText("prognosis", &c.Prognosis, in.Prognosis)
		if in.Priority != nil && *in.Priority != c.Priority {
			if !in.Priority.Valid() {
				return nil, fmt.Errorf("invalid priority: %s", *in.Priority)
			}
			c.Priority = *in.Priority
			changed = append(changed, "priority")
		}
		if in.CategoryID != nil {
			next := in.CategoryID
			if *next == uuid.Nil {
				next = nil
			} else if err := s.checkCategory(ctx, next); err != nil {
				return nil, err
			}
			if !sameID(c.CategoryID, next) {
				c.CategoryID = next
				changed = append(changed, "category")
			}
		}
		if in.Tags != nil {
			c.Tags = normalizeTags(*in.Tags)
			changed = append(changed, "tags")
		}
		if in.Metadata != nil {
			c.Metadata = in.Metadata
			changed = append(changed, "metadata")
		}

		from := c.Status
		if in.Status != nil && *in.Status != c.Status {
			if !from.CanTransition(*in.Status) {
				return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, *in.Status)
			}
			c.setStatus(*in.Status, s.now())
			return &activity.Entry{
				Type:        activity.TypeStatusChanged,
				Description: fmt.Sprintf("Status changed from %s to %s", from, c.Status),
				Metadata:    map[string]interface{}{"from": from, "to": c.Status, "fields": changed},
			}, nil
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return &activity.Entry{
			Type:        activity.TypeUpdated,
			Description: "Case updated",
			Metadata:    map[string]interface{}{"fields": changed},
		}, nil
	})
}

// ChangeStatus moves the case through the status state machine.
func (s *Service) ChangeStatus(ctx context.Context, p auth.Principal, id uuid.UUID, next Status) (*Case, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, next)
	}
	return s.mutate(ctx, p, id, canEdit, func(ctx context.Context, c *Case) (*activity.Entry, error) {
		from := c.Status
		if from == next {
			return nil, fmt.Errorf("%w: case is already %s", ErrInvalidTransition, next)
		}
		if !from.CanTransition(next) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, next)
		}
		c.setStatus(next, s.now())
		return &activity.Entry{
			Type:        activity.TypeStatusChanged,
			Description: fmt.Sprintf("Status changed from %s to %s", from, next),
			Metadata:    map[string]interface{}{"from": from, "to": next},
		}, nil
	})
}

// Assign sets or clears (nil) the assigned user.
func (s *Service) Assign(ctx context.Context, p auth.Principal, id uuid.UUID, assignee *uuid.UUID) (*Case, error) {
	var target *organization.UserProfile
	c, err := s.mutate(ctx, p, id, canEdit, func(ctx context.Context, c *Case) (*activity.Entry, error) {
		if assignee == nil {
			if c.AssignedTo == nil {
				return nil, nil
			}
			c.AssignedTo = nil
			return &activity.Entry{Type: activity.TypeAssigned, Description: "Case unassigned"}, nil
		}
		users, err := s.dir.Users(ctx, []uuid.UUID{*assignee})
		if err != nil {
			return nil, fmt.Errorf("load assignee: %w", err)
		}
		u, ok := users[*assignee]
		if !ok || u.OrganizationID != c.OrganizationID {
			return nil, ErrInvalidAssignee
		}
		if c.AssignedTo != nil && *c.AssignedTo == *assignee {
			return nil, nil
		}
		id := *assignee
		c.AssignedTo = &id
		target = u
		name := u.DisplayName
		if name == "" {
			name = u.Email
		}
		return &activity.Entry{
			Type:        activity.TypeAssigned,
			Description: fmt.Sprintf("Case assigned to %s", name),
			Metadata:    map[string]interface{}{"assigned_to": id.String()},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if target != nil && target.Email != "" {
		s.notifier.Notify(ctx, []string{target.Email}, notification.TemplateCaseAssigned, map[string]string{
			"case_number": c.CaseNumber,
			"title":       c.Title,
			"priority":    string(c.Priority),
			"assigned_by": p.Name,
		})
	}
	return c, nil
}

// Share replaces the set of organizations the case is shared with.
func (s *Service) Share(ctx context.Context, p auth.Principal, id uuid.UUID, orgIDs []uuid.UUID) (*Case, error) {
	var added []uuid.UUID
	c, err := s.mutate(ctx, p, id, canShare, func(ctx context.Context, c *Case) (*activity.Entry, error) {
		targets := dedupeIDs(orgIDs, c.OrganizationID)
		if len(targets) == 0 {
			return nil, ErrInvalidShare
		}
		names, err := s.dir.OrganizationNames(ctx, targets)
		if err != nil {
			return nil, fmt.Errorf("load organizations: %w", err)
		}
		for _, t := range targets {
			if _, ok := names[t]; !ok {
				return nil, ErrInvalidShare
			}
			if !c.SharedWith(t) {
				added = append(added, t)
			}
		}
		c.ShareWithBranches = targets
		c.IsShared = true
		ids := make([]string, len(targets))
		for i, t := range targets {
			ids[i] = t.String()
		}
		return &activity.Entry{
			Type:        activity.TypeShared,
			Description: fmt.Sprintf("Case shared with %d organization(s)", len(targets)),
			Metadata:    map[string]interface{}{"org_ids": ids},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyShared(ctx, p, c, added)
	return c, nil
}

func (s *Service) notifyShared(ctx context.Context, p auth.Principal, c *Case, orgIDs []uuid.UUID) {
	if len(orgIDs) == 0 {
		return
	}
	names, err := s.dir.OrganizationNames(ctx, orgIDs)
	if err != nil {
		s.logger.Warn().Err(err).Msg("share notification skipped")
		return
	}
	for _, org := range orgIDs {
		emails, err := s.dir.OrganizationEmails(ctx, []uuid.UUID{org})
		if err != nil || len(emails) == 0 {
			continue
		}
		s.notifier.Notify(ctx, emails, notification.TemplateCaseShared, map[string]string{
			"case_number":  c.CaseNumber,
			"title":        c.Title,
			"organization": names[org],
			"shared_by":    p.Name,
		})
	}
}

// Unshare removes every organization grant.
func (s *Service) Unshare(ctx context.Context, p auth.Principal, id uuid.UUID) (*Case, error) {
	return s.mutate(ctx, p, id, canShare, func(ctx context.Context, c *Case) (*activity.Entry, error) {
		if !c.IsShared && len(c.ShareWithBranches) == 0 {
			return nil, nil
		}
		c.ShareWithBranches = []uuid.UUID{}
		c.IsShared = false
		return &activity.Entry{Type: activity.TypeShared, Description: "Case sharing removed"}, nil
	})
}

// Delete removes the case with its images, comments and opinions. The
// activity trail is kept.
func (s *Service) Delete(ctx context.Context, p auth.Principal, id uuid.UUID) error {
	var afters []func()
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		perms := Evaluate(p, c)
		if !perms.Read {
			return ErrNotFound
		}
		others, err := s.opinions.HasOtherAuthors(ctx, c.ID, p.UserID)
		if err != nil {
			return fmt.Errorf("check opinions: %w", err)
		}
		if !CanDelete(p, c, others) {
			if perms.Delete && others {
				return ErrHasOpinions
			}
			return ErrForbidden
		}
		for _, h := range s.deleteHooks {
			after, err := h(ctx, c)
			if err != nil {
				return err
			}
			if after != nil {
				afters = append(afters, after)
			}
		}
		if err := s.cases.Delete(ctx, c.ID); err != nil {
			return err
		}
		return s.log.Record(ctx, activity.Entry{
			CaseID:      c.ID,
			UserID:      p.UserRef(),
			Type:        activity.TypeDeleted,
			Description: fmt.Sprintf("Case %s deleted", c.CaseNumber),
			Metadata:    map[string]interface{}{"case_number": c.CaseNumber},
		})
	})
	if err != nil {
		return err
	}
	for _, f := range afters {
		f()
	}
	return nil
}

// ListActivities returns the trail of a readable case, newest first.
func (s *Service) ListActivities(ctx context.Context, p auth.Principal, id uuid.UUID, limit, offset int) ([]*activity.Activity, int, error) {
	if _, _, err := s.Authorize(ctx, p, id); err != nil {
		return nil, 0, err
	}
	return s.log.List(ctx, id, limit, offset)
}

// -- Comments --

func (s *Service) AddComment(ctx context.Context, p auth.Principal, caseID uuid.UUID, cm *Comment) error {
	c, perms, err := s.Authorize(ctx, p, caseID)
	if err != nil {
		return err
	}
	if !perms.Comment {
		return ErrForbidden
	}
	cm.Content = strings.TrimSpace(cm.Content)
	if cm.Content == "" {
		return fmt.Errorf("content is required")
	}
	if cm.Visibility == "" {
		cm.Visibility = VisibilityTeam
	}
	if !cm.Visibility.Valid() {
		return fmt.Errorf("invalid visibility: %s", cm.Visibility)
	}
	if cm.ParentID != nil {
		parent, err := s.comments.GetByID(ctx, *cm.ParentID)
		if err != nil || parent.CaseID != c.ID {
			return fmt.Errorf("parent comment not found on this case")
		}
	}
	cm.CaseID = c.ID
	cm.AuthorID = p.UserID
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.comments.Create(ctx, cm); err != nil {
			return err
		}
		return s.log.Record(ctx, activity.Entry{
			CaseID:      c.ID,
			UserID:      p.UserRef(),
			Type:        activity.TypeCommented,
			Description: "Comment added",
			Metadata:    map[string]interface{}{"comment_id": cm.ID.String(), "visibility": cm.Visibility},
		})
	})
}

// ListComments returns the comments of a readable case the caller may see.
func (s *Service) ListComments(ctx context.Context, p auth.Principal, caseID uuid.UUID) ([]*Comment, error) {
	c, _, err := s.Authorize(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	all, err := s.comments.ListByCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*Comment, 0, len(all))
	for _, cm := range all {
		if CanSeeComment(p, c, cm) {
			out = append(out, cm)
		}
	}
	return out, nil
}

func (s *Service) DeleteComment(ctx context.Context, p auth.Principal, commentID uuid.UUID) error {
	cm, err := s.comments.GetByID(ctx, commentID)
	if err != nil {
		return err
	}
	c, _, err := s.Authorize(ctx, p, cm.CaseID)
	if err != nil {
		return ErrCommentNotFound
	}
	if !CanSeeComment(p, c, cm) {
		return ErrCommentNotFound
	}
	if !CanDeleteComment(p, c, cm) {
		return ErrForbidden
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.comments.Delete(ctx, cm.ID); err != nil {
			return err
		}
		return s.log.Record(ctx, activity.Entry{
			CaseID:      c.ID,
			UserID:      p.UserRef(),
			Type:        activity.TypeDeletedComment,
			Description: "Comment deleted",
			Metadata:    map[string]interface{}{"comment_id": cm.ID.String()},
		})
	})
}

// -- Opinions --

func (s *Service) AddOpinion(ctx context.Context, p auth.Principal, caseID uuid.UUID, o *Opinion) error {
	c, perms, err := s.Authorize(ctx, p, caseID)
	if err != nil {
		return err
	}
	if !perms.Comment || !p.CanWrite() {
		return ErrForbidden
	}
	o.Content = strings.TrimSpace(o.Content)
	if o.Content == "" {
		return fmt.Errorf("content is required")
	}
	if o.Status == "" {
		o.Status = OpinionDraft
	}
	if o.Status != OpinionDraft && o.Status != OpinionPublished {
		return fmt.Errorf("invalid opinion status: %s", o.Status)
	}
	o.CaseID = c.ID
	o.AuthorID = p.UserID
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.opinions.Create(ctx, o); err != nil {
			return err
		}
		return s.log.Record(ctx, activity.Entry{
			CaseID:      c.ID,
			UserID:      p.UserRef(),
			Type:        activity.TypeOpinionAdded,
			Description: "Clinical opinion added",
			Metadata:    map[string]interface{}{"opinion_id": o.ID.String(), "status": o.Status},
		})
	})
}

func (s *Service) ListOpinions(ctx context.Context, p auth.Principal, caseID uuid.UUID) ([]*Opinion, error) {
	c, _, err := s.Authorize(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	all, err := s.opinions.ListByCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*Opinion, 0, len(all))
	for _, o := range all {
		if CanSeeOpinion(p, o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// -- Scheduled --

// ReviewReminderJob emails the assignee of every case that has sat in
// IN_REVIEW for at least days.
func (s *Service) ReviewReminderJob(days int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		stale, err := s.cases.ListStaleInReview(ctx, s.now().AddDate(0, 0, -days))
		if err != nil {
			return fmt.Errorf("list stale reviews: %w", err)
		}
		var assignees []uuid.UUID
		for _, c := range stale {
			if c.AssignedTo != nil {
				assignees = append(assignees, *c.AssignedTo)
			}
		}
		users, err := s.dir.Users(ctx, assignees)
		if err != nil {
			return fmt.Errorf("load assignees: %w", err)
		}
		sent := 0
		for _, c := range stale {
			if c.AssignedTo == nil {
				continue
			}
			u, ok := users[*c.AssignedTo]
			if !ok || u.Email == "" {
				continue
			}
			s.notifier.Notify(ctx, []string{u.Email}, notification.TemplateReviewReminder, map[string]string{
				"case_number": c.CaseNumber,
				"title":       c.Title,
				"days":        fmt.Sprintf("%d", days),
			})
			sent++
		}
		s.logger.Info().Int("stale", len(stale)).Int("notified", sent).Msg("review reminders sent")
		return nil
	}
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// dedupeIDs drops duplicates, nil ids and exclude, keeping first-seen order.
func dedupeIDs(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
