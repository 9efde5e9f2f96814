package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("patient not found")
	ErrDuplicateMRN = errors.New("a patient with this MRN already exists")
	ErrPatientInUse = errors.New("patient is referenced by one or more cases")
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error)
}
