package coverage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/trips"
)

// CoverageService matches completed trips against an area's streets
// and flips the covered segments to driven. The matching predicate is
// purely geometric: a street is driven if it intersects the trip
// geometry buffered by the area's match buffer. No heading, speed or
// time is consulted.
type CoverageService struct {
	db       *gorm.DB
	jobs     *jobs.Manager
	tripGeom trips.GeometryProvider
}

func NewCoverageService(d *gorm.DB, jm *jobs.Manager, provider trips.GeometryProvider) *CoverageService {
	return &CoverageService{db: d, jobs: jm, tripGeom: provider}
}

// TripResult summarizes one trip's effect on one area.
type TripResult struct {
	MatchedSegments int         `json:"matched_segments"`
	UpdatedSegments int         `json:"updated_segments"`
	Stats           CachedStats `json:"stats"`
}

// Run executes one TRIP_COVERAGE job. Multiple trips for the same area
// may run concurrently; the update is idempotent and driven is an
// absorbing state, so ordering does not matter.
func (s *CoverageService) Run(ctx context.Context, areaID uuid.UUID, tripID string, geom orb.Geometry, jobID uuid.UUID) {
	if err := s.jobs.Start(ctx, jobID); err != nil {
		log.Printf("[coverage] start job=%s: %v", jobID, err)
		return
	}

	res, err := s.ProcessTripForArea(ctx, areaID, tripID, geom)
	if err != nil {
		_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		return
	}
	_ = s.jobs.Complete(ctx, jobID, "trip processed", jobs.Metrics{
		"matched_segments": res.MatchedSegments,
		"updated_segments": res.UpdatedSegments,
		"coverage_percent": res.Stats.CoveragePercent,
	})
}

// ProcessTripForArea applies one trip to one area at its current
// version. A nil geom is fetched from the trip pipeline; a trip with
// no usable geometry yields zero matches, not an error.
func (s *CoverageService) ProcessTripForArea(ctx context.Context, areaID uuid.UUID, tripID string, geom orb.Geometry) (*TripResult, error) {
	var area Area
	err := s.db.WithContext(ctx).First(&area, "id = ?", areaID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAreaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load area: %w", err)
	}

	if geom == nil && s.tripGeom != nil {
		geom, err = s.tripGeom.TripGeometry(ctx, tripID)
		if err != nil {
			// Degraded, not fatal: report zero matches.
			log.Printf("[coverage] trip=%s geometry unavailable: %v", tripID, err)
			geom = nil
		}
	}
	if geom == nil {
		stats, err := refreshStats(ctx, s.db, areaID, area.CurrentVersion)
		if err != nil {
			return nil, err
		}
		return &TripResult{Stats: stats}, nil
	}

	matched, err := s.matchSegments(ctx, &area, geom)
	if err != nil {
		return nil, err
	}

	updated := 0
	if len(matched) > 0 {
		updated, err = s.markDriven(ctx, &area, tripID, matched)
		if err != nil {
			return nil, err
		}
	}

	stats, err := refreshStats(ctx, s.db, areaID, area.CurrentVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Update("last_coverage_sync_at", &now).Error; err != nil {
		return nil, fmt.Errorf("update sync time: %w", err)
	}

	log.Printf("[coverage] area=%s trip=%s matched=%d updated=%d pct=%.2f",
		areaID, tripID, len(matched), updated, stats.CoveragePercent)
	return &TripResult{
		MatchedSegments: len(matched),
		UpdatedSegments: updated,
		Stats:           stats,
	}, nil
}

// matchSegments returns the segment ids of this area/version whose
// geometry intersects the trip buffered by the match buffer. Statically
// undriveable streets (footways and the like) are excluded; a GPS trace
// skirting one must not flip it to driven. The primary path buffers on
// the geography type (meter-accurate); if that query fails, a planar
// degree-based buffer approximates it instead of aborting the coverage
// update.
func (s *CoverageService) matchSegments(ctx context.Context, area *Area, geom orb.Geometry) ([]string, error) {
	tripWKT := wkt.MarshalString(geom)

	var ids []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT s.segment_id
		FROM coverage.streets s
		WHERE s.area_id = ? AND s.area_version = ?
		  AND s.undriveable = FALSE
		  AND ST_Intersects(
			s.geometry,
			ST_Buffer(ST_GeomFromText(?, 4326)::geography, ?)::geometry
		  )
	`, area.ID, area.CurrentVersion, tripWKT, area.MatchBufferM).Scan(&ids).Error
	if err == nil {
		return ids, nil
	}
	log.Printf("[coverage] geography buffer failed for area=%s, using degree fallback: %v", area.ID, err)

	degrees := geo.MetersToDegrees(area.MatchBufferM, centroidLat(geom))
	err = s.db.WithContext(ctx).Raw(`
		SELECT s.segment_id
		FROM coverage.streets s
		WHERE s.area_id = ? AND s.area_version = ?
		  AND s.undriveable = FALSE
		  AND ST_Intersects(s.geometry, ST_Buffer(ST_GeomFromText(?, 4326), ?))
	`, area.ID, area.CurrentVersion, tripWKT, degrees).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("match segments: %w", err)
	}
	return ids, nil
}

// markDriven flips matched segments to driven with trip provenance.
// Rows under manual override are skipped, and a segment already driven
// by this same trip is left alone, which makes replaying a trip a
// no-op.
func (s *CoverageService) markDriven(ctx context.Context, area *Area, tripID string, segmentIDs []string) (int, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Exec(`
		UPDATE coverage.coverage_states
		SET status = 'driven',
		    last_driven_at = ?,
		    provenance_type = 'trip',
		    trip_id = ?,
		    updated_at = ?
		WHERE area_id = ? AND area_version = ?
		  AND segment_id = ANY(?)
		  AND manual_override = FALSE
		  AND NOT (status = 'driven' AND trip_id = ?)
	`, now, tripID, now, area.ID, area.CurrentVersion, pq.Array(segmentIDs), tripID)
	if res.Error != nil {
		return 0, fmt.Errorf("mark driven: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// centroidLat picks the latitude for the meters-to-degrees conversion
// used by the fallback buffer.
func centroidLat(g orb.Geometry) float64 {
	c, _ := planar.CentroidArea(g)
	if c == (orb.Point{}) {
		b := g.Bound()
		return (b.Min[1] + b.Max[1]) / 2
	}
	return c[1]
}
