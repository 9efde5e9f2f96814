package imaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/platform/auth"
)

// SortSeries orders items by order, then batch creation time, then id.
func SortSeries(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.BatchCreatedAt.Equal(b.BatchCreatedAt) {
			return a.BatchCreatedAt.Before(b.BatchCreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// instanceNumber reads instance_number from stored metadata. JSONB round trips
// turn it into a float64.
func instanceNumber(md map[string]interface{}) (int, bool) {
	switch v := md["instance_number"].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// dicomOrder is the order a DICOM item gets: its instance number when known,
// else the number in its filename.
func dicomOrder(md map[string]interface{}, name string) int {
	if n, ok := instanceNumber(md); ok {
		return n
	}
	return FilenameNumeric(name)
}

// DicomSeries returns every DICOM item of a readable case in slice order.
func (s *Service) DicomSeries(ctx context.Context, p auth.Principal, caseID uuid.UUID) ([]*Item, error) {
	if _, _, err := s.access.Authorize(ctx, p, caseID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, caseID, true)
	if err != nil {
		return nil, err
	}
	SortSeries(items)
	return items, nil
}

// ReindexSeries recomputes the order of every DICOM item from its metadata
// and filename. It returns how many items moved.
func (s *Service) ReindexSeries(ctx context.Context, p auth.Principal, caseID uuid.UUID) (int, error) {
	_, perms, err := s.access.Authorize(ctx, p, caseID)
	if err != nil {
		return 0, err
	}
	if !perms.Edit {
		return 0, ErrForbidden
	}
	moved := 0
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		items, err := s.repo.ListItems(ctx, caseID, true)
		if err != nil {
			return err
		}
		for _, it := range items {
			order := dicomOrder(it.Metadata, it.OriginalName)
			if order == it.Order {
				continue
			}
			if err := s.repo.UpdateOrder(ctx, it.ID, order); err != nil {
				return fmt.Errorf("reorder %s: %w", it.OriginalName, err)
			}
			moved++
		}
		if moved == 0 {
			return nil
		}
		return s.log.Record(ctx, activity.Entry{
			CaseID:      caseID,
			UserID:      p.UserRef(),
			Type:        activity.TypeUpdated,
			Description: fmt.Sprintf("Re-indexed DICOM series (%d slice(s) moved)", moved),
			Metadata:    map[string]interface{}{"moved": moved, "total": len(items)},
		})
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}
