package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CoveragePercent is the one formula for the headline number: driven
// length over driveable length, where driveable excludes undriveable
// segments. Zero driveable length means 0%, not a division error.
func CoveragePercent(drivenLengthM, driveableLengthM float64) float64 {
	if driveableLengthM <= 0 {
		return 0
	}
	return 100 * drivenLengthM / driveableLengthM
}

// recomputeStats derives the authoritative stats for one area version
// by joining coverage state with street length per segment.
func recomputeStats(ctx context.Context, d *gorm.DB, areaID uuid.UUID, version int) (CachedStats, error) {
	var row struct {
		TotalSegments    int
		CoveredSegments  int
		TotalLengthM     float64
		DrivenLengthM    float64
		DriveableLengthM float64
	}
	err := d.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS total_segments,
			COUNT(*) FILTER (WHERE cs.status = 'driven') AS covered_segments,
			COALESCE(SUM(s.length_m), 0) AS total_length_m,
			COALESCE(SUM(s.length_m) FILTER (WHERE cs.status = 'driven'), 0) AS driven_length_m,
			COALESCE(SUM(s.length_m) FILTER (WHERE cs.status <> 'undriveable'), 0) AS driveable_length_m
		FROM coverage.streets s
		JOIN coverage.coverage_states cs ON cs.segment_id = s.segment_id
		WHERE s.area_id = ? AND s.area_version = ?
	`, areaID, version).Scan(&row).Error
	if err != nil {
		return CachedStats{}, fmt.Errorf("aggregate stats: %w", err)
	}

	now := time.Now().UTC()
	return CachedStats{
		TotalSegments:    row.TotalSegments,
		CoveredSegments:  row.CoveredSegments,
		TotalLengthM:     row.TotalLengthM,
		DrivenLengthM:    row.DrivenLengthM,
		DriveableLengthM: row.DriveableLengthM,
		CoveragePercent:  CoveragePercent(row.DrivenLengthM, row.DriveableLengthM),
		ComputedAt:       &now,
	}, nil
}

// writeStats stores recomputed stats onto the area row.
func writeStats(ctx context.Context, d *gorm.DB, areaID uuid.UUID, stats CachedStats) error {
	err := d.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Updates(map[string]interface{}{
			"stats_total_segments":     stats.TotalSegments,
			"stats_covered_segments":   stats.CoveredSegments,
			"stats_total_length_m":     stats.TotalLengthM,
			"stats_driven_length_m":    stats.DrivenLengthM,
			"stats_driveable_length_m": stats.DriveableLengthM,
			"stats_coverage_percent":   stats.CoveragePercent,
			"stats_computed_at":        stats.ComputedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// refreshStats recomputes and stores stats for the area's current
// version in one step.
func refreshStats(ctx context.Context, d *gorm.DB, areaID uuid.UUID, version int) (CachedStats, error) {
	stats, err := recomputeStats(ctx, d, areaID, version)
	if err != nil {
		return CachedStats{}, err
	}
	if err := writeStats(ctx, d, areaID, stats); err != nil {
		return CachedStats{}, err
	}
	return stats, nil
}
