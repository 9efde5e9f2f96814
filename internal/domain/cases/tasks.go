package cases

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/notification"
	"github.com/dcplant/dcplant/internal/platform/tasks"
)

// Task names as reported by GET /tasks/:id.
const (
	TaskBulkUpdate     = "cases.bulk_update"
	TaskExportCSV      = "cases.export_csv"
	TaskGenerateReport = "cases.generate_report"
)

const exportPageSize = 500

var ErrNoCases = errors.New("select at least one case")

// Jobs runs the long case workflows on the background queue.
type Jobs struct {
	svc   *Service
	queue *tasks.Queue
	store blobstore.BlobStore
}

func NewJobs(svc *Service, queue *tasks.Queue, store blobstore.BlobStore) *Jobs {
	return &Jobs{svc: svc, queue: queue, store: store}
}

// BulkChanges are applied to every selected case. Nil fields are left alone.
type BulkChanges struct {
	Status     *Status    `json:"status"`
	Priority   *Priority  `json:"priority"`
	AssignedTo *uuid.UUID `json:"assigned_to"`
}

func (b BulkChanges) empty() bool {
	return b.Status == nil && b.Priority == nil && b.AssignedTo == nil
}

// StartBulkUpdate validates the request and queues the update.
func (j *Jobs) StartBulkUpdate(ctx context.Context, p auth.Principal, ids []uuid.UUID, ch BulkChanges) (string, error) {
	ids = dedupeIDs(ids, uuid.Nil)
	if len(ids) == 0 {
		return "", ErrNoCases
	}
	if ch.empty() {
		return "", fmt.Errorf("no changes requested")
	}
	if ch.Status != nil && !ch.Status.Valid() {
		return "", fmt.Errorf("invalid status: %s", *ch.Status)
	}
	if ch.Priority != nil && !ch.Priority.Valid() {
		return "", fmt.Errorf("invalid priority: %s", *ch.Priority)
	}
	return j.queue.Enqueue(ctx, TaskBulkUpdate, p.UserID, func(ctx context.Context, r *tasks.Reporter) (map[string]any, error) {
		return j.BulkUpdate(ctx, p, ids, ch, r)
	})
}

// BulkUpdate changes each case under its own row lock. A case that cannot be
// changed is reported and skipped; the others still commit.
func (j *Jobs) BulkUpdate(ctx context.Context, p auth.Principal, ids []uuid.UUID, ch BulkChanges, r *tasks.Reporter) (map[string]any, error) {
	var (
		updated int
		errs    []string
	)
	for i, id := range ids {
		_, err := j.svc.mutate(ctx, p, id, canEdit, func(ctx context.Context, c *Case) (*activity.Entry, error) {
			return j.applyBulk(ctx, c, ch)
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
		} else {
			updated++
		}
		r.Report(i+1, len(ids), fmt.Sprintf("Processed %d of %d case(s)", i+1, len(ids)))
	}
	if errs == nil {
		errs = []string{}
	}
	return map[string]any{"updated": updated, "total": len(ids), "errors": errs}, nil
}

func (j *Jobs) applyBulk(ctx context.Context, c *Case, ch BulkChanges) (*activity.Entry, error) {
	changes := map[string]interface{}{}
	if ch.Status != nil && *ch.Status != c.Status {
		if !c.Status.CanTransition(*ch.Status) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, *ch.Status)
		}
		changes["status"] = map[string]interface{}{"from": c.Status, "to": *ch.Status}
		c.setStatus(*ch.Status, j.svc.now())
	}
	if ch.Priority != nil && *ch.Priority != c.Priority {
		changes["priority"] = map[string]interface{}{"from": c.Priority, "to": *ch.Priority}
		c.Priority = *ch.Priority
	}
	if ch.AssignedTo != nil && (c.AssignedTo == nil || *c.AssignedTo != *ch.AssignedTo) {
		users, err := j.svc.dir.Users(ctx, []uuid.UUID{*ch.AssignedTo})
		if err != nil {
			return nil, fmt.Errorf("load assignee: %w", err)
		}
		if u, ok := users[*ch.AssignedTo]; !ok || u.OrganizationID != c.OrganizationID {
			return nil, ErrInvalidAssignee
		}
		id := *ch.AssignedTo
		c.AssignedTo = &id
		changes["assigned_to"] = id.String()
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return &activity.Entry{
		Type:        activity.TypeBulkUpdate,
		Description: "Case updated in bulk",
		Metadata:    changes,
	}, nil
}

// StartExportCSV queues a CSV export of every case matching q that p can see.
func (j *Jobs) StartExportCSV(ctx context.Context, p auth.Principal, q ListQuery) (string, error) {
	return j.queue.Enqueue(ctx, TaskExportCSV, p.UserID, func(ctx context.Context, r *tasks.Reporter) (map[string]any, error) {
		return j.ExportCSV(ctx, p, q, r)
	})
}

var csvHeader = []string{"Case Number", "Patient", "Status", "Priority", "Created Date", "Assigned To", "Organization"}

// ExportCSV writes the matching cases to the blob store under exports/.
func (j *Jobs) ExportCSV(ctx context.Context, p auth.Principal, q ListQuery, r *tasks.Reporter) (map[string]any, error) {
	var all []*Case
	q.Limit, q.Offset = exportPageSize, 0
	for {
		page, total, err := j.svc.List(ctx, p, q)
		if err != nil {
			return nil, fmt.Errorf("list cases: %w", err)
		}
		all = append(all, page...)
		r.Report(len(all), total, "Collecting cases")
		if len(page) < q.Limit || len(all) >= total {
			break
		}
		q.Offset += q.Limit
	}

	var patientIDs, userIDs, orgIDs []uuid.UUID
	for _, c := range all {
		patientIDs = append(patientIDs, c.PatientID)
		orgIDs = append(orgIDs, c.OrganizationID)
		if c.AssignedTo != nil {
			userIDs = append(userIDs, *c.AssignedTo)
		}
	}
	patients, err := j.svc.patients.LookupMany(ctx, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	users, err := j.svc.dir.Users(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	orgs, err := j.svc.dir.OrganizationNames(ctx, orgIDs)
	if err != nil {
		return nil, fmt.Errorf("load organizations: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, c := range all {
		patientName := ""
		if pt, ok := patients[c.PatientID]; ok {
			patientName = pt.FullName()
		}
		assignee := ""
		if c.AssignedTo != nil {
			if u, ok := users[*c.AssignedTo]; ok {
				assignee = u.DisplayName
				if assignee == "" {
					assignee = u.Email
				}
			}
		}
		if err := w.Write([]string{
			c.CaseNumber,
			patientName,
			string(c.Status),
			string(c.Priority),
			c.CreatedAt.UTC().Format("2006-01-02"),
			assignee,
			orgs[c.OrganizationID],
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}

	name := "cases_export_" + j.svc.now().UTC().Format("20060102_150405") + ".csv"
	obj, err := j.store.Save(ctx, "exports", name, &buf)
	if err != nil {
		return nil, fmt.Errorf("save export: %w", err)
	}
	j.svc.logger.Info().Str("user_id", p.UserID.String()).Str("path", obj.Path).Int("cases", len(all)).Msg("case csv export written")
	return j.fileResult(ctx, obj, map[string]any{"count": len(all)}), nil
}

// StartReport queues a text report for one case.
func (j *Jobs) StartReport(ctx context.Context, p auth.Principal, caseID uuid.UUID) (string, error) {
	if _, _, err := j.svc.Authorize(ctx, p, caseID); err != nil {
		return "", err
	}
	return j.queue.Enqueue(ctx, TaskGenerateReport, p.UserID, func(ctx context.Context, r *tasks.Reporter) (map[string]any, error) {
		return j.GenerateReport(ctx, p, caseID, r)
	})
}

// GenerateReport renders a case summary, stores it under reports/ and emails
// the requester a link.
func (j *Jobs) GenerateReport(ctx context.Context, p auth.Principal, caseID uuid.UUID, r *tasks.Reporter) (map[string]any, error) {
	c, _, err := j.svc.Authorize(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	r.Report(1, 4, "Loading case")
	comments, err := j.svc.ListComments(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	opinions, err := j.svc.ListOpinions(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	patientName := ""
	if pt, err := j.svc.patients.Lookup(ctx, c.PatientID); err == nil {
		patientName = pt.FullName() + " (MRN " + pt.MRN + ")"
	}
	r.Report(2, 4, "Rendering report")

	body := renderReport(c, patientName, comments, opinions, p.Name, j.svc.now())
	name := "case_" + c.CaseNumber + "_report_" + j.svc.now().UTC().Format("20060102") + ".txt"
	obj, err := j.store.Save(ctx, "reports", name, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	r.Report(3, 4, "Report stored")

	if err := j.svc.log.Record(ctx, activity.Entry{
		CaseID:      c.ID,
		UserID:      p.UserRef(),
		Type:        activity.TypeReportGenerated,
		Description: "Case report generated",
		Metadata:    map[string]interface{}{"path": obj.Path},
	}); err != nil {
		// The stored report is orphaned without its audit record.
		_ = j.store.Delete(ctx, obj.Path)
		return nil, err
	}
	res := j.fileResult(ctx, obj, map[string]any{"case_number": c.CaseNumber})
	if p.Email != "" {
		link, _ := res["url"].(string)
		j.svc.notifier.Notify(ctx, []string{p.Email}, notification.TemplateReportReady, map[string]string{
			"case_number": c.CaseNumber,
			"title":       c.Title,
			"url":         link,
		})
	}
	r.Report(4, 4, "Done")
	return res, nil
}

func renderReport(c *Case, patientName string, comments []*Comment, opinions []*Opinion, by string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CASE REPORT %s\n", c.CaseNumber)
	fmt.Fprintf(&b, "Generated: %s by %s\n\n", now.UTC().Format(time.RFC3339), by)
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	fmt.Fprintf(&b, "Patient: %s\n", patientName)
	fmt.Fprintf(&b, "Status: %s\nPriority: %s\n", c.Status, c.Priority)
	fmt.Fprintf(&b, "Created: %s\n", c.CreatedAt.UTC().Format("2006-01-02"))
	if c.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", c.CompletedAt.UTC().Format("2006-01-02"))
	}
	section := func(title, text string) {
		if text == "" {
			return
		}
		fmt.Fprintf(&b, "\n%s\n%s\n%s\n", title, strings.Repeat("-", len(title)), text)
	}
	section("Chief complaint", c.ChiefComplaint)
	section("Clinical findings", c.ClinicalFindings)
	section("Diagnosis", c.Diagnosis)
	section("Treatment plan", c.TreatmentPlan)
	section("Prognosis", c.Prognosis)

	if len(opinions) > 0 {
		fmt.Fprintf(&b, "\nOpinions (%d)\n", len(opinions))
		for _, o := range opinions {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", o.Status, o.CreatedAt.UTC().Format("2006-01-02"), o.Content)
		}
	}
	if len(comments) > 0 {
		fmt.Fprintf(&b, "\nComments (%d)\n", len(comments))
		for _, cm := range comments {
			fmt.Fprintf(&b, "- %s: %s\n", cm.CreatedAt.UTC().Format("2006-01-02"), cm.Content)
		}
	}
	return b.String()
}

// fileResult builds a task result for a stored file. The URL is omitted when
// the backend cannot issue one.
func (j *Jobs) fileResult(ctx context.Context, obj *blobstore.Object, extra map[string]any) map[string]any {
	res := map[string]any{"path": obj.Path, "size": obj.Size}
	for k, v := range extra {
		res[k] = v
	}
	if url, err := j.store.URL(ctx, obj.Path); err == nil {
		res["url"] = url
	} else if !errors.Is(err, blobstore.ErrURLNotSupported) {
		j.svc.logger.Warn().Err(err).Str("path", obj.Path).Msg("could not issue download url")
	}
	return res
}
