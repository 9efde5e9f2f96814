package cases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("case not found")
	ErrCommentNotFound     = errors.New("comment not found")
	ErrDuplicateCaseNumber = errors.New("case number already exists")
)

type CaseRepository interface {
	// Create fails with ErrDuplicateCaseNumber when c.CaseNumber is taken.
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Case, error)
	Update(ctx context.Context, c *Case) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q ListQuery) ([]*Case, int, error)
	ListStaleInReview(ctx context.Context, before time.Time) ([]*Case, error)
}

type CommentRepository interface {
	Create(ctx context.Context, cm *Comment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Comment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Comment, error)
}

type OpinionRepository interface {
	Create(ctx context.Context, o *Opinion) error
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*Opinion, error)
	// HasOtherAuthors reports a live opinion on the case by anyone but userID.
	HasOtherAuthors(ctx context.Context, caseID, userID uuid.UUID) (bool, error)
}
