package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

var (
	ErrCategoryNotFound = errors.New("category not found")
	ErrDuplicateSlug    = errors.New("category slug already exists")
	ErrInvalidCategory  = errors.New("category does not exist or is inactive")
)

const (
	maxCategoryName = 100
	maxSlugLen      = 50
)

// Category maps to the case_category table. Categories are shared by every
// organization and nest through ParentID.
type Category struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Slug        string     `db:"slug" json:"slug"`
	Description string     `db:"description" json:"description"`
	ParentID    *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	IsActive    bool       `db:"is_active" json:"is_active"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`

	// Path is "Parent > Name" for nested categories.
	Path string `json:"path"`
}

type CategoryRepository interface {
	// Create fails with ErrDuplicateSlug when the slug is taken.
	Create(ctx context.Context, cat *Category) error
	GetByID(ctx context.Context, id uuid.UUID) (*Category, error)
	// List returns categories ordered by name.
	List(ctx context.Context, activeOnly bool) ([]*Category, error)
}

// Slugify lowercases name and joins its alphanumeric runs with hyphens.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
		default:
			dash = true
		}
	}
	s := b.String()
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	return s
}

func validSlug(s string) bool {
	return s != "" && len(s) <= maxSlugLen && Slugify(s) == s
}

func (s *Service) ListCategories(ctx context.Context, includeInactive bool) ([]*Category, error) {
	cats, err := s.categories.List(ctx, !includeInactive)
	if err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]string, len(cats))
	for _, c := range cats {
		names[c.ID] = c.Name
	}
	for _, c := range cats {
		c.Path = c.Name
		if c.ParentID != nil {
			if parent, ok := names[*c.ParentID]; ok {
				c.Path = parent + " > " + c.Name
			}
		}
	}
	return cats, nil
}

// CreateCategory adds a category. Organization admins and superusers only.
func (s *Service) CreateCategory(ctx context.Context, p auth.Principal, cat *Category) error {
	if !p.IsAdmin() && !p.IsSuperuser {
		return ErrForbidden
	}
	cat.Name = strings.TrimSpace(cat.Name)
	if cat.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len([]rune(cat.Name)) > maxCategoryName {
		return fmt.Errorf("name must be at most %d characters", maxCategoryName)
	}
	cat.Slug = strings.TrimSpace(cat.Slug)
	if cat.Slug == "" {
		cat.Slug = Slugify(cat.Name)
	}
	if !validSlug(cat.Slug) {
		return fmt.Errorf("invalid slug %q: use lowercase letters, digits and hyphens", cat.Slug)
	}
	if cat.ParentID != nil {
		if _, err := s.categories.GetByID(ctx, *cat.ParentID); err != nil {
			if errors.Is(err, ErrCategoryNotFound) {
				return fmt.Errorf("parent %w", ErrCategoryNotFound)
			}
			return err
		}
	}
	if err := s.categories.Create(ctx, cat); err != nil {
		return err
	}
	s.logger.Info().Str("category", cat.Slug).Str("user_id", p.UserID.String()).Msg("category created")
	return nil
}

// checkCategory accepts nil or an existing active category.
func (s *Service) checkCategory(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	cat, err := s.categories.GetByID(ctx, *id)
	if errors.Is(err, ErrCategoryNotFound) {
		return ErrInvalidCategory
	}
	if err != nil {
		return fmt.Errorf("load category: %w", err)
	}
	if !cat.IsActive {
		return ErrInvalidCategory
	}
	return nil
}
