package imaging

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcplant/dcplant/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const batchCols = `b.id, b.case_id, b.title, b.description, b.uploaded_by, b.created_at, b.updated_at`

const itemCols = `i.id, i.case_image_id, i.case_id, i.storage_path, i.original_name, i.size_bytes,
	i.image_type, i.is_dicom, i.is_primary, i.metadata, i.sort_order, i.created_at, b.created_at`

// seriesOrder is the canonical slice order. SortSeries applies the same key.
const seriesOrder = ` ORDER BY i.sort_order ASC, b.created_at ASC, i.id ASC`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.CaseID, &b.Title, &b.Description, &b.UploadedBy, &b.CreatedAt, &b.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrBatchNotFound
	}
	return &b, err
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.BatchID, &it.CaseID, &it.StoragePath, &it.OriginalName, &it.Size,
		&it.ImageType, &it.IsDicom, &it.IsPrimary, &it.Metadata, &it.Order, &it.CreatedAt, &it.BatchCreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrItemNotFound
	}
	return &it, err
}

func collectItems(rows pgx.Rows, err error) ([]*Item, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateBatch(ctx context.Context, b *Batch) error {
	b.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_image (id, case_id, title, description, uploaded_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		b.ID, b.CaseID, b.Title, b.Description, b.UploadedBy,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *repoPG) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return scanBatch(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+batchCols+` FROM case_image b WHERE b.id = $1`, id))
}

func (r *repoPG) UpdateBatch(ctx context.Context, b *Batch) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE case_image SET title = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.Title, b.Description,
	).Scan(&b.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrBatchNotFound
	}
	return err
}

func (r *repoPG) ListBatches(ctx context.Context, caseID uuid.UUID) ([]*Batch, error) {
	conn := db.Conn(ctx, r.pool)
	rows, err := conn.Query(ctx, `SELECT `+batchCols+` FROM case_image b WHERE b.case_id = $1 ORDER BY b.created_at DESC, b.id`, caseID)
	if err != nil {
		return nil, err
	}
	var batches []*Batch
	byID := make(map[uuid.UUID]*Batch)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batches = append(batches, b)
		byID[b.ID] = b
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := collectItems(conn.Query(ctx, `SELECT `+itemCols+`
		FROM case_image_item i JOIN case_image b ON b.id = i.case_image_id
		WHERE i.case_id = $1`+seriesOrder, caseID))
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if b, ok := byID[it.BatchID]; ok {
			b.Items = append(b.Items, it)
		}
	}
	return batches, nil
}

func (r *repoPG) DeleteBatches(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM case_image WHERE id = ANY($1)`, ids)
	return err
}

func (r *repoPG) CreateItem(ctx context.Context, it *Item) error {
	it.ID = uuid.New()
	if it.Metadata == nil {
		it.Metadata = map[string]interface{}{}
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_image_item (id, case_image_id, case_id, storage_path, original_name, size_bytes,
			image_type, is_dicom, is_primary, metadata, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)
		RETURNING created_at`,
		it.ID, it.BatchID, it.CaseID, it.StoragePath, it.OriginalName, it.Size,
		it.ImageType, it.IsDicom, it.Metadata, it.Order,
	).Scan(&it.CreatedAt)
}

func (r *repoPG) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+itemCols+`
		FROM case_image_item i JOIN case_image b ON b.id = i.case_image_id WHERE i.id = $1`, id))
}

// ClaimPrimary relies on uq_case_image_item_primary: of two concurrent claims
// that both pass NOT EXISTS, the second fails with a unique violation.
func (r *repoPG) ClaimPrimary(ctx context.Context, caseID, itemID uuid.UUID) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE case_image_item SET is_primary = TRUE
		WHERE id = $1 AND case_id = $2
		  AND NOT EXISTS (SELECT 1 FROM case_image_item WHERE case_id = $2 AND is_primary)`,
		itemID, caseID)
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListItems(ctx context.Context, caseID uuid.UUID, dicomOnly bool) ([]*Item, error) {
	where := ` WHERE i.case_id = $1`
	if dicomOnly {
		where += ` AND i.is_dicom`
	}
	return collectItems(db.Conn(ctx, r.pool).Query(ctx, `SELECT `+itemCols+`
		FROM case_image_item i JOIN case_image b ON b.id = i.case_image_id`+where+seriesOrder, caseID))
}

func (r *repoPG) ListItemsByBatches(ctx context.Context, batchIDs []uuid.UUID) ([]*Item, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}
	return collectItems(db.Conn(ctx, r.pool).Query(ctx, `SELECT `+itemCols+`
		FROM case_image_item i JOIN case_image b ON b.id = i.case_image_id
		WHERE i.case_image_id = ANY($1)`+seriesOrder, batchIDs))
}

func (r *repoPG) DicomBatchIDs(ctx context.Context, caseID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT case_image_id FROM case_image_item WHERE case_id = $1 AND is_dicom`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) UpdateOrder(ctx context.Context, itemID uuid.UUID, order int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE case_image_item SET sort_order = $2 WHERE id = $1`, itemID, order)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}
