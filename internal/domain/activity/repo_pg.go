package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcplant/dcplant/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const activityCols = `id, case_id, user_id, activity_type, description, metadata,
	COALESCE(host(ip_address), ''), created_at`

func scanActivity(row pgx.Row) (*Activity, error) {
	var a Activity
	err := row.Scan(&a.ID, &a.CaseID, &a.UserID, &a.Type, &a.Description, &a.Metadata, &a.IPAddress, &a.CreatedAt)
	return &a, err
}

// Create joins the caller's transaction when one is bound to ctx, so the
// activity commits or rolls back with the change it describes.
func (r *repoPG) Create(ctx context.Context, a *Activity) error {
	a.ID = uuid.New()
	if a.Metadata == nil {
		a.Metadata = map[string]interface{}{}
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_activity (id, case_id, user_id, activity_type, description, metadata, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::inet)
		RETURNING created_at`,
		a.ID, a.CaseID, a.UserID, a.Type, a.Description, a.Metadata, a.IPAddress,
	).Scan(&a.CreatedAt)
}

func (r *repoPG) ListByCase(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*Activity, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM case_activity WHERE case_id = $1`, caseID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+activityCols+` FROM case_activity WHERE case_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, caseID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM case_activity`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM case_activity WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
