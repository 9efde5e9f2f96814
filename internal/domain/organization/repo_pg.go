package organization

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcplant/dcplant/internal/platform/db"
)

// =========== Organization Repository ===========

type orgRepoPG struct{ pool *pgxpool.Pool }

func NewOrganizationRepoPG(pool *pgxpool.Pool) OrganizationRepository {
	return &orgRepoPG{pool: pool}
}

const orgCols = `id, name, org_type, address, phone, email, is_active, created_at, updated_at`

func scanOrg(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.OrgType, &o.Address, &o.Phone, &o.Email,
		&o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (r *orgRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return scanOrg(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orgCols+` FROM organization WHERE id = $1`, id))
}

func (r *orgRepoPG) EnsureByName(ctx context.Context, name string, orgType OrgType) (*Organization, error) {
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `
		INSERT INTO organization (id, name, org_type) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`, uuid.New(), name, orgType); err != nil {
		return nil, err
	}
	return scanOrg(conn.QueryRow(ctx, `SELECT `+orgCols+` FROM organization WHERE name = $1`, name))
}

func (r *orgRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Organization, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM organization WHERE is_active OR NOT $1`, activeOnly).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+orgCols+` FROM organization WHERE is_active OR NOT $1
		ORDER BY org_type, name LIMIT $2 OFFSET $3`, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *orgRepoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Organization, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+orgCols+` FROM organization WHERE id = ANY($1) ORDER BY name`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// =========== Profile Repository ===========

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

const profileCols = `user_id, organization_id, role, display_name, email, is_staff, is_superuser, created_at, updated_at`

func scanProfile(row pgx.Row) (*UserProfile, error) {
	var p UserProfile
	err := row.Scan(&p.UserID, &p.OrganizationID, &p.Role, &p.DisplayName, &p.Email,
		&p.IsStaff, &p.IsSuperuser, &p.CreatedAt, &p.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrProfileNotFound
	}
	return &p, err
}

func (r *profileRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*UserProfile, error) {
	return scanProfile(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+profileCols+` FROM user_profile WHERE user_id = $1`, userID))
}

func (r *profileRepoPG) CreateIfAbsent(ctx context.Context, p *UserProfile) (*UserProfile, error) {
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `
		INSERT INTO user_profile (user_id, organization_id, role, display_name, email, is_staff, is_superuser)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.OrganizationID, p.Role, p.DisplayName, p.Email, p.IsStaff, p.IsSuperuser); err != nil {
		return nil, err
	}
	return scanProfile(conn.QueryRow(ctx, `SELECT `+profileCols+` FROM user_profile WHERE user_id = $1`, p.UserID))
}

func (r *profileRepoPG) ListByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*UserProfile, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+profileCols+` FROM user_profile WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
