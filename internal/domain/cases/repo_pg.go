package cases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcplant/dcplant/internal/platform/db"
)

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository { return &caseRepoPG{pool: pool} }

const caseCols = `c.id, c.case_number, c.patient_id, c.category_id, c.title, c.chief_complaint, c.clinical_findings,
	c.diagnosis, c.treatment_plan, c.prognosis, c.status, c.priority, c.organization_id, c.created_by,
	c.assigned_to, c.tags, c.metadata, c.is_shared, c.share_with_branches, c.created_at, c.updated_at,
	c.completed_at`

func scanCase(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.CaseNumber, &c.PatientID, &c.CategoryID, &c.Title, &c.ChiefComplaint, &c.ClinicalFindings,
		&c.Diagnosis, &c.TreatmentPlan, &c.Prognosis, &c.Status, &c.Priority, &c.OrganizationID, &c.CreatedBy,
		&c.AssignedTo, &c.Tags, &c.Metadata, &c.IsShared, &c.ShareWithBranches, &c.CreatedAt, &c.UpdatedAt,
		&c.CompletedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	c.ID = uuid.New()
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	if c.ShareWithBranches == nil {
		c.ShareWithBranches = []uuid.UUID{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO clinical_case (id, case_number, patient_id, title, chief_complaint, clinical_findings,
			diagnosis, treatment_plan, prognosis, status, priority, organization_id, created_by,
			assigned_to, tags, metadata, is_shared, share_with_branches, completed_at, category_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING created_at, updated_at`,
		c.ID, c.CaseNumber, c.PatientID, c.Title, c.ChiefComplaint, c.ClinicalFindings,
		c.Diagnosis, c.TreatmentPlan, c.Prognosis, c.Status, c.Priority, c.OrganizationID, c.CreatedBy,
		c.AssignedTo, c.Tags, c.Metadata, c.IsShared, c.ShareWithBranches, c.CompletedAt, c.CategoryID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateCaseNumber
	}
	return err
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	return scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+caseCols+` FROM clinical_case c WHERE c.id = $1`, id))
}

func (r *caseRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Case, error) {
	return scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+caseCols+` FROM clinical_case c WHERE c.id = $1 FOR UPDATE`, id))
}

// Update never touches case_number, organization_id or created_by.
func (r *caseRepoPG) Update(ctx context.Context, c *Case) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE clinical_case SET title=$2, chief_complaint=$3, clinical_findings=$4, diagnosis=$5,
			treatment_plan=$6, prognosis=$7, status=$8, priority=$9, assigned_to=$10, tags=$11,
			metadata=$12, is_shared=$13, share_with_branches=$14, completed_at=$15, category_id=$16,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Title, c.ChiefComplaint, c.ClinicalFindings, c.Diagnosis,
		c.TreatmentPlan, c.Prognosis, c.Status, c.Priority, c.AssignedTo, c.Tags,
		c.Metadata, c.IsShared, c.ShareWithBranches, c.CompletedAt, c.CategoryID,
	).Scan(&c.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

func (r *caseRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM clinical_case WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// visibilityClause is the SQL form of Evaluate(...).Read.
func visibilityClause(v Viewer, args *[]interface{}) string {
	if v.IsSuperuser {
		return "TRUE"
	}
	*args = append(*args, v.UserID, v.OrganizationID)
	u, o := len(*args)-1, len(*args)
	return fmt.Sprintf("((c.status <> 'DRAFT' OR c.created_by = $%d) AND (c.organization_id = $%d OR $%d = ANY(c.share_with_branches)))", u, o, o)
}

func (r *caseRepoPG) List(ctx context.Context, q ListQuery) ([]*Case, int, error) {
	var args []interface{}
	where := []string{visibilityClause(q.Viewer, &args)}

	if s := strings.TrimSpace(q.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(`(c.case_number ILIKE $%d OR c.title ILIKE $%d OR c.diagnosis ILIKE $%d
			OR p.first_name ILIKE $%d OR p.last_name ILIKE $%d OR p.mrn ILIKE $%d)`, n, n, n, n, n, n))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if q.Priority != "" {
		args = append(args, q.Priority)
		where = append(where, fmt.Sprintf("c.priority = $%d", len(args)))
	}
	if q.AssignedTo != nil {
		args = append(args, *q.AssignedTo)
		where = append(where, fmt.Sprintf("c.assigned_to = $%d", len(args)))
	}
	if q.CategoryID != nil {
		args = append(args, *q.CategoryID)
		where = append(where, fmt.Sprintf("c.category_id = $%d", len(args)))
	}
	if q.CreatedFrom != nil {
		args = append(args, *q.CreatedFrom)
		where = append(where, fmt.Sprintf("c.created_at >= $%d", len(args)))
	}
	if q.CreatedTo != nil {
		args = append(args, *q.CreatedTo)
		where = append(where, fmt.Sprintf("c.created_at < $%d", len(args)))
	}

	from := ` FROM clinical_case c JOIN patient p ON p.id = c.patient_id WHERE ` + strings.Join(where, " AND ")
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, q.Limit, q.Offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s%s ORDER BY c.created_at DESC, c.id LIMIT $%d OFFSET $%d`,
		caseCols, from, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *caseRepoPG) ListStaleInReview(ctx context.Context, before time.Time) ([]*Case, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+caseCols+` FROM clinical_case c
		WHERE c.status = 'IN_REVIEW' AND c.updated_at <= $1 ORDER BY c.updated_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== Comment Repository ===========

type commentRepoPG struct{ pool *pgxpool.Pool }

func NewCommentRepoPG(pool *pgxpool.Pool) CommentRepository { return &commentRepoPG{pool: pool} }

const commentCols = `id, case_id, author_id, content, visibility, parent_id, is_edited, edited_at, created_at, updated_at`

func scanComment(row pgx.Row) (*Comment, error) {
	var cm Comment
	err := row.Scan(&cm.ID, &cm.CaseID, &cm.AuthorID, &cm.Content, &cm.Visibility, &cm.ParentID,
		&cm.IsEdited, &cm.EditedAt, &cm.CreatedAt, &cm.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrCommentNotFound
	}
	return &cm, err
}

func (r *commentRepoPG) Create(ctx context.Context, cm *Comment) error {
	cm.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_comment (id, case_id, author_id, content, visibility, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		cm.ID, cm.CaseID, cm.AuthorID, cm.Content, cm.Visibility, cm.ParentID,
	).Scan(&cm.CreatedAt, &cm.UpdatedAt)
}

func (r *commentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Comment, error) {
	return scanComment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+commentCols+` FROM case_comment WHERE id = $1`, id))
}

func (r *commentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM case_comment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCommentNotFound
	}
	return nil
}

func (r *commentRepoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Comment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+commentCols+` FROM case_comment
		WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Comment
	for rows.Next() {
		cm, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cm)
	}
	return items, rows.Err()
}

// =========== Opinion Repository ===========

type opinionRepoPG struct{ pool *pgxpool.Pool }

func NewOpinionRepoPG(pool *pgxpool.Pool) OpinionRepository { return &opinionRepoPG{pool: pool} }

func (r *opinionRepoPG) Create(ctx context.Context, o *Opinion) error {
	o.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_opinion (id, case_id, author_id, content, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		o.ID, o.CaseID, o.AuthorID, o.Content, o.Status,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *opinionRepoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Opinion, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, case_id, author_id, content, status, is_deleted, created_at, updated_at
		FROM case_opinion WHERE case_id = $1 AND NOT is_deleted ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Opinion
	for rows.Next() {
		var o Opinion
		if err := rows.Scan(&o.ID, &o.CaseID, &o.AuthorID, &o.Content, &o.Status, &o.IsDeleted,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &o)
	}
	return items, rows.Err()
}

func (r *opinionRepoPG) HasOtherAuthors(ctx context.Context, caseID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM case_opinion WHERE case_id = $1 AND author_id <> $2 AND NOT is_deleted)`,
		caseID, userID).Scan(&exists)
	return exists, err
}

// =========== Category Repository ===========

type categoryRepoPG struct{ pool *pgxpool.Pool }

func NewCategoryRepoPG(pool *pgxpool.Pool) CategoryRepository { return &categoryRepoPG{pool: pool} }

const categoryCols = `id, name, slug, description, parent_id, is_active, created_at`

func scanCategory(row pgx.Row) (*Category, error) {
	var cat Category
	err := row.Scan(&cat.ID, &cat.Name, &cat.Slug, &cat.Description, &cat.ParentID, &cat.IsActive, &cat.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrCategoryNotFound
	}
	return &cat, err
}

func (r *categoryRepoPG) Create(ctx context.Context, cat *Category) error {
	cat.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_category (id, name, slug, description, parent_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		cat.ID, cat.Name, cat.Slug, cat.Description, cat.ParentID, cat.IsActive,
	).Scan(&cat.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateSlug
	}
	return err
}

func (r *categoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Category, error) {
	return scanCategory(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+categoryCols+` FROM case_category WHERE id = $1`, id))
}

func (r *categoryRepoPG) List(ctx context.Context, activeOnly bool) ([]*Category, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+categoryCols+` FROM case_category
		WHERE is_active OR NOT $1
		ORDER BY name, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}
