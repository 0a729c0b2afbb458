package coverage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// MaxBulkOverrides caps a single bulk override call.
const MaxBulkOverrides = 1000

func validSegmentStatus(status string) bool {
	switch status {
	case SegmentUndriven, SegmentDriven, SegmentUndriveable:
		return true
	}
	return false
}

// SetOverride pins one segment's status. Trip-sourced updates leave
// the row alone until the override is cleared.
func (m *AreaManager) SetOverride(ctx context.Context, areaID uuid.UUID, segmentID, status, note string) (*CoverageState, error) {
	if !validSegmentStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	area, err := m.Get(ctx, areaID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":          status,
		"manual_override": true,
		"override_set_at": &now,
		"provenance_type": ProvenanceManual,
		"note":            note,
		"updated_at":      now,
	}
	if status == SegmentDriven {
		fields["last_driven_at"] = &now
	}

	res := m.db.WithContext(ctx).Model(&CoverageState{}).
		Where("area_id = ? AND area_version = ? AND segment_id = ?",
			areaID, area.CurrentVersion, segmentID).
		Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("set override: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrSegmentNotFound
	}

	if _, err := refreshStats(ctx, m.db, areaID, area.CurrentVersion); err != nil {
		return nil, err
	}

	var state CoverageState
	err = m.db.WithContext(ctx).First(&state, "segment_id = ?", segmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reload state: %w", err)
	}
	log.Printf("[overrides] area=%s segment=%s status=%s", areaID, segmentID, status)
	return &state, nil
}

// ClearOverride releases a segment back to automatic updates. The
// current status is kept; the next intersecting trip may change it.
func (m *AreaManager) ClearOverride(ctx context.Context, areaID uuid.UUID, segmentID string) error {
	area, err := m.Get(ctx, areaID)
	if err != nil {
		return err
	}
	res := m.db.WithContext(ctx).Model(&CoverageState{}).
		Where("area_id = ? AND area_version = ? AND segment_id = ? AND manual_override = TRUE",
			areaID, area.CurrentVersion, segmentID).
		Updates(map[string]interface{}{
			"manual_override": false,
			"override_set_at": nil,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("clear override: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSegmentNotFound
	}
	return nil
}

// BulkSetOverrides pins up to MaxBulkOverrides segments in one call
// and refreshes stats once. Returns how many rows changed; ids not
// present at the current version are silently skipped.
func (m *AreaManager) BulkSetOverrides(ctx context.Context, areaID uuid.UUID, segmentIDs []string, status, note string) (int, error) {
	if !validSegmentStatus(status) {
		return 0, fmt.Errorf("invalid status %q", status)
	}
	if len(segmentIDs) == 0 {
		return 0, nil
	}
	if len(segmentIDs) > MaxBulkOverrides {
		return 0, fmt.Errorf("too many segment ids: %d (max %d)", len(segmentIDs), MaxBulkOverrides)
	}
	area, err := m.Get(ctx, areaID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":          status,
		"manual_override": true,
		"override_set_at": &now,
		"provenance_type": ProvenanceManual,
		"note":            note,
		"updated_at":      now,
	}
	if status == SegmentDriven {
		fields["last_driven_at"] = &now
	}

	res := m.db.WithContext(ctx).Model(&CoverageState{}).
		Where("area_id = ? AND area_version = ? AND segment_id = ANY(?)",
			areaID, area.CurrentVersion, pq.Array(segmentIDs)).
		Updates(fields)
	if res.Error != nil {
		return 0, fmt.Errorf("bulk override: %w", res.Error)
	}

	if _, err := refreshStats(ctx, m.db, areaID, area.CurrentVersion); err != nil {
		return 0, err
	}
	log.Printf("[overrides] area=%s bulk status=%s updated=%d", areaID, status, res.RowsAffected)
	return int(res.RowsAffected), nil
}
