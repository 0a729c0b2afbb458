package coverage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/encoding/wkt"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
)

// CacheInvalidator lets a rebuild eagerly drop any cached routing
// graph for the area instead of waiting for the version check on next
// access. Implemented by the routing service; nil is tolerated.
type CacheInvalidator interface {
	Invalidate(areaID uuid.UUID)
}

// RebuildService orchestrates a version bump: re-ingestion under the
// new version, manual-override migration, old-version teardown, and
// the consistency audit.
type RebuildService struct {
	db         *gorm.DB
	jobs       *jobs.Manager
	ingest     *IngestionService
	invalidate CacheInvalidator
}

func NewRebuildService(d *gorm.DB, jm *jobs.Manager, ingest *IngestionService) *RebuildService {
	return &RebuildService{db: d, jobs: jm, ingest: ingest}
}

// SetCacheInvalidator wires the routing cache after construction; the
// routing service is built later because it depends on coverage.
func (s *RebuildService) SetCacheInvalidator(ci CacheInvalidator) {
	s.invalidate = ci
}

// overrideSnapshot is one manual override captured before the rebuild,
// joined to its street geometry so it can be re-attached to whatever
// new segment occupies the same place.
type overrideSnapshot struct {
	SegmentID      string
	Status         string
	ProvenanceType string
	TripID         string
	Note           string
	OverrideSetAt  *time.Time
	Geometry       geo.Geometry
}

// Run executes one REBUILD job. The version bump is visible to new
// reads and writes immediately (availability over a dark launch); a
// failed ingestion rolls current_version back so no reader ever sees a
// half-built version as current.
func (s *RebuildService) Run(ctx context.Context, areaID uuid.UUID, preserveOverrides bool, jobID uuid.UUID) {
	if err := s.jobs.Start(ctx, jobID); err != nil {
		log.Printf("[rebuild] start job=%s: %v", jobID, err)
		return
	}

	var area Area
	if err := s.db.WithContext(ctx).First(&area, "id = ?", areaID).Error; err != nil {
		_ = s.jobs.Fail(ctx, jobID, fmt.Sprintf("load area: %v", err))
		return
	}
	prevVersion := area.CurrentVersion
	newVersion := prevVersion + 1

	var overrides []overrideSnapshot
	if preserveOverrides {
		var err error
		overrides, err = s.collectOverrides(ctx, areaID, prevVersion)
		if err != nil {
			_ = s.jobs.Fail(ctx, jobID, truncateError(err))
			return
		}
		log.Printf("[rebuild] area=%s overrides to migrate=%d", areaID, len(overrides))
	}

	err := s.db.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Updates(map[string]interface{}{
			"current_version": newVersion,
			"status":          StatusIngesting,
			"last_error":      "",
		}).Error
	if err != nil {
		_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		return
	}

	totals, err := s.ingest.IngestVersion(ctx, &area, newVersion, jobID)
	if err != nil {
		s.rollback(ctx, areaID, prevVersion, err)
		if !errors.Is(err, errCancelled) {
			_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		}
		return
	}

	migrated := 0
	if len(overrides) > 0 {
		_ = s.jobs.Update(ctx, jobID, "migrating overrides", 90, "", nil)
		migrated = s.migrateOverrides(ctx, areaID, newVersion, overrides)
	}

	if err := s.deleteVersionsBefore(ctx, areaID, newVersion); err != nil {
		// The new version is complete and current; stale rows are a
		// sanity-check repair away, so this does not fail the rebuild.
		log.Printf("[rebuild] area=%s old version cleanup: %v", areaID, err)
	}

	stats, err := refreshStats(ctx, s.db, areaID, newVersion)
	if err != nil {
		// The new version stays current (its data is complete), but the
		// area must not be left stuck in ingesting.
		s.failAfterCutover(ctx, areaID, jobID, err)
		return
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Updates(map[string]interface{}{
			"status":            StatusReady,
			"last_ingestion_at": &now,
		}).Error
	if err != nil {
		s.failAfterCutover(ctx, areaID, jobID, err)
		return
	}

	if s.invalidate != nil {
		s.invalidate.Invalidate(areaID)
	}

	log.Printf("[rebuild] done area=%s version=%d->%d segments=%d migrated=%d",
		areaID, prevVersion, newVersion, totals.Segments, migrated)
	_ = s.jobs.Complete(ctx, jobID, "rebuild complete", jobs.Metrics{
		"version":            newVersion,
		"segments":           totals.Segments,
		"migrated_overrides": migrated,
		"coverage_percent":   stats.CoveragePercent,
	})
}

// failAfterCutover fails a rebuild job for an error that happened after
// the new version was fully ingested. There is nothing to roll back at
// this point, but the area still has to leave the ingesting status.
func (s *RebuildService) failAfterCutover(ctx context.Context, areaID, jobID uuid.UUID, cause error) {
	if err := s.ingest.setStatus(ctx, areaID, StatusError, truncateError(cause)); err != nil {
		log.Printf("[rebuild] area=%s error status write failed: %v", areaID, err)
	}
	_ = s.jobs.Fail(ctx, jobID, truncateError(cause))
}

func (s *RebuildService) rollback(ctx context.Context, areaID uuid.UUID, prevVersion int, cause error) {
	msg := "rebuild cancelled"
	if !errors.Is(cause, errCancelled) {
		msg = truncateError(cause)
	}
	log.Printf("[rebuild] area=%s rolling back to version=%d: %v", areaID, prevVersion, cause)
	err := s.db.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Updates(map[string]interface{}{
			"current_version": prevVersion,
			"status":          StatusError,
			"last_error":      msg,
		}).Error
	if err != nil {
		log.Printf("[rebuild] area=%s rollback write failed: %v", areaID, err)
	}
}

func (s *RebuildService) collectOverrides(ctx context.Context, areaID uuid.UUID, version int) ([]overrideSnapshot, error) {
	var out []overrideSnapshot
	err := s.db.WithContext(ctx).Raw(`
		SELECT cs.segment_id, cs.status, cs.provenance_type, cs.trip_id,
		       cs.note, cs.override_set_at, st.geometry
		FROM coverage.coverage_states cs
		JOIN coverage.streets st ON st.segment_id = cs.segment_id
		WHERE cs.area_id = ? AND cs.area_version = ? AND cs.manual_override = TRUE
	`, areaID, version).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("collect overrides: %w", err)
	}
	return out, nil
}

// migrateOverrides re-attaches each captured override to the first new
// street that spatially intersects the override's original geometry.
// This is a best-effort nearest/first match, not a guaranteed
// geometric correspondence; closely spaced re-segmented streets can
// mismatch, and an override whose street vanished is dropped.
func (s *RebuildService) migrateOverrides(ctx context.Context, areaID uuid.UUID, version int, overrides []overrideSnapshot) int {
	migrated := 0
	now := time.Now().UTC()
	for _, ov := range overrides {
		if ov.Geometry.Geom == nil {
			continue
		}
		var target string
		err := s.db.WithContext(ctx).Raw(`
			SELECT segment_id FROM coverage.streets
			WHERE area_id = ? AND area_version = ?
			  AND ST_Intersects(geometry, ST_GeomFromText(?, 4326))
			LIMIT 1
		`, areaID, version, wkt.MarshalString(ov.Geometry.Geom)).Scan(&target).Error
		if err != nil || target == "" {
			log.Printf("[rebuild] area=%s override %s found no new segment", areaID, ov.SegmentID)
			continue
		}

		err = s.db.WithContext(ctx).Model(&CoverageState{}).
			Where("segment_id = ?", target).
			Updates(map[string]interface{}{
				"status":          ov.Status,
				"manual_override": true,
				"override_set_at": ov.OverrideSetAt,
				"provenance_type": ov.ProvenanceType,
				"trip_id":         ov.TripID,
				"note":            ov.Note,
				"updated_at":      now,
			}).Error
		if err != nil {
			log.Printf("[rebuild] area=%s override %s -> %s: %v", areaID, ov.SegmentID, target, err)
			continue
		}
		migrated++
	}
	return migrated
}

func (s *RebuildService) deleteVersionsBefore(ctx context.Context, areaID uuid.UUID, version int) error {
	if err := s.db.WithContext(ctx).
		Where("area_id = ? AND area_version < ?", areaID, version).
		Delete(&CoverageState{}).Error; err != nil {
		return fmt.Errorf("delete old coverage state: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Where("area_id = ? AND area_version < ?", areaID, version).
		Delete(&Street{}).Error; err != nil {
		return fmt.Errorf("delete old streets: %w", err)
	}
	return nil
}
