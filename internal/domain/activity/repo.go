package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Activity) error
	ListByCase(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*Activity, int, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
