package imaging

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrBatchNotFound = errors.New("image batch not found")
	ErrItemNotFound  = errors.New("image not found")
)

type Repository interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	// UpdateBatch saves title and description and refreshes UpdatedAt.
	UpdateBatch(ctx context.Context, b *Batch) error
	// ListBatches returns the case's batches newest first, with their items.
	ListBatches(ctx context.Context, caseID uuid.UUID) ([]*Batch, error)
	// DeleteBatches removes the batches and, by cascade, their items.
	DeleteBatches(ctx context.Context, ids []uuid.UUID) error

	CreateItem(ctx context.Context, it *Item) error
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	// ClaimPrimary marks the item primary unless the case already has one.
	ClaimPrimary(ctx context.Context, caseID, itemID uuid.UUID) (bool, error)
	// ListItems returns the case's items in series order.
	ListItems(ctx context.Context, caseID uuid.UUID, dicomOnly bool) ([]*Item, error)
	ListItemsByBatches(ctx context.Context, batchIDs []uuid.UUID) ([]*Item, error)
	// DicomBatchIDs lists batches of the case holding at least one DICOM item.
	DicomBatchIDs(ctx context.Context, caseID uuid.UUID) ([]uuid.UUID, error)
	UpdateOrder(ctx context.Context, itemID uuid.UUID, order int) error
}
