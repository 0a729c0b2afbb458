package coverage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SanityReport summarizes one consistency audit of the current
// version. Counts of issues are always reported; the repaired counts
// are zero unless repair was requested.
type SanityReport struct {
	AreaID          uuid.UUID   `json:"area_id"`
	Version         int         `json:"version"`
	OrphanCoverage  int         `json:"orphan_coverage"`
	MissingCoverage int         `json:"missing_coverage"`
	DeletedOrphans  int         `json:"deleted_orphans"`
	CreatedCoverage int         `json:"created_coverage"`
	StatsDrift      bool        `json:"stats_drift"`
	Stats           CachedStats `json:"stats"`
}

// SanityCheckArea audits the current version: coverage rows with no
// street (orphans), streets with no coverage row (missing), and cached
// stats drift. It never mutates the area version and never raises for
// drift; the only hard error is a missing area. Stats drift is always
// repaired as a side effect of the recomputation.
func (s *RebuildService) SanityCheckArea(ctx context.Context, areaID uuid.UUID, repair bool) (*SanityReport, error) {
	var area Area
	err := s.db.WithContext(ctx).First(&area, "id = ?", areaID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAreaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load area: %w", err)
	}

	report := &SanityReport{AreaID: areaID, Version: area.CurrentVersion}

	err = s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM coverage.coverage_states cs
		WHERE cs.area_id = ? AND cs.area_version = ?
		  AND NOT EXISTS (
			SELECT 1 FROM coverage.streets st WHERE st.segment_id = cs.segment_id
		  )
	`, areaID, area.CurrentVersion).Scan(&report.OrphanCoverage).Error
	if err != nil {
		return nil, fmt.Errorf("count orphans: %w", err)
	}

	err = s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM coverage.streets st
		WHERE st.area_id = ? AND st.area_version = ?
		  AND NOT EXISTS (
			SELECT 1 FROM coverage.coverage_states cs WHERE cs.segment_id = st.segment_id
		  )
	`, areaID, area.CurrentVersion).Scan(&report.MissingCoverage).Error
	if err != nil {
		return nil, fmt.Errorf("count missing coverage: %w", err)
	}

	if repair && report.OrphanCoverage > 0 {
		res := s.db.WithContext(ctx).Exec(`
			DELETE FROM coverage.coverage_states cs
			WHERE cs.area_id = ? AND cs.area_version = ?
			  AND NOT EXISTS (
				SELECT 1 FROM coverage.streets st WHERE st.segment_id = cs.segment_id
			  )
		`, areaID, area.CurrentVersion)
		if res.Error != nil {
			return nil, fmt.Errorf("delete orphans: %w", res.Error)
		}
		report.DeletedOrphans = int(res.RowsAffected)
	}

	if repair && report.MissingCoverage > 0 {
		res := s.db.WithContext(ctx).Exec(`
			INSERT INTO coverage.coverage_states
				(segment_id, area_id, area_version, status, provenance_type, updated_at)
			SELECT st.segment_id, st.area_id, st.area_version,
			       CASE WHEN st.undriveable THEN 'undriveable' ELSE 'undriven' END,
			       'system', NOW()
			FROM coverage.streets st
			WHERE st.area_id = ? AND st.area_version = ?
			  AND NOT EXISTS (
				SELECT 1 FROM coverage.coverage_states cs WHERE cs.segment_id = st.segment_id
			  )
		`, areaID, area.CurrentVersion)
		if res.Error != nil {
			return nil, fmt.Errorf("create missing coverage: %w", res.Error)
		}
		report.CreatedCoverage = int(res.RowsAffected)
	}

	stats, err := refreshStats(ctx, s.db, areaID, area.CurrentVersion)
	if err != nil {
		return nil, err
	}
	report.Stats = stats
	report.StatsDrift = statsDiffer(area.CachedStats, stats)

	if report.OrphanCoverage > 0 || report.MissingCoverage > 0 || report.StatsDrift {
		log.Printf("[sanity] area=%s orphans=%d missing=%d drift=%v repair=%v",
			areaID, report.OrphanCoverage, report.MissingCoverage, report.StatsDrift, repair)
	}
	return report, nil
}

func statsDiffer(a, b CachedStats) bool {
	const eps = 0.01
	return a.TotalSegments != b.TotalSegments ||
		a.CoveredSegments != b.CoveredSegments ||
		math.Abs(a.TotalLengthM-b.TotalLengthM) > eps ||
		math.Abs(a.DrivenLengthM-b.DrivenLengthM) > eps ||
		math.Abs(a.DriveableLengthM-b.DriveableLengthM) > eps
}
