// Package activity is the append-only case audit trail. Normal flows only
// ever add records; the purge operations are superuser-only.
package activity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

var (
	ErrForbidden   = errors.New("superuser privileges required")
	ErrInvalidType = errors.New("invalid activity type")
)

// Recorder is the write side of the trail, consumed by every mutating flow.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

func (s *Service) Record(ctx context.Context, e Entry) error {
	if e.CaseID == uuid.Nil {
		return fmt.Errorf("activity needs a case id")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidType, e.Type)
	}
	ip := e.IP
	if ip == "" {
		ip = ClientIPFromContext(ctx)
	}
	if ip != "" && net.ParseIP(ip) == nil {
		s.logger.Debug().Str("ip", ip).Msg("dropping unparsable client ip")
		ip = ""
	}
	a := &Activity{
		CaseID:      e.CaseID,
		UserID:      e.UserID,
		Type:        e.Type,
		Description: e.Description,
		Metadata:    e.Metadata,
		IPAddress:   ip,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return fmt.Errorf("record %s activity: %w", e.Type, err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*Activity, int, error) {
	return s.repo.ListByCase(ctx, caseID, limit, offset)
}

// PurgeAll deletes the whole trail.
func (s *Service) PurgeAll(ctx context.Context, p auth.Principal) (int64, error) {
	if !p.IsSuperuser {
		return 0, ErrForbidden
	}
	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge activities: %w", err)
	}
	s.logger.Warn().Str("user_id", p.UserID.String()).Int64("deleted", n).Msg("activity trail purged")
	return n, nil
}

// PurgeBefore deletes records created before cutoff.
func (s *Service) PurgeBefore(ctx context.Context, p auth.Principal, cutoff time.Time) (int64, error) {
	if !p.IsSuperuser {
		return 0, ErrForbidden
	}
	if cutoff.After(s.now()) {
		return 0, fmt.Errorf("cutoff %s is in the future", cutoff.Format(time.RFC3339))
	}
	n, err := s.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge activities before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.Info().Time("cutoff", cutoff).Int64("deleted", n).Msg("old activities purged")
	return n, nil
}

// RetentionJob returns a scheduled job body purging records older than days.
func (s *Service) RetentionJob(days int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.PurgeBefore(ctx, auth.System(), s.now().AddDate(0, 0, -days))
		return err
	}
}
