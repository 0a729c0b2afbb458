package coverage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/osm"
)

// errCancelled aborts an ingestion loop when the job was cancelled at
// a batch checkpoint.
var errCancelled = errors.New("job cancelled")

// IngestionService turns an area boundary into immutable street
// segments plus their initial coverage state, one version at a time.
type IngestionService struct {
	db        *gorm.DB
	jobs      *jobs.Manager
	graph     osm.StreetGraphProvider
	paddingM  float64
	batchSize int
}

func NewIngestionService(d *gorm.DB, jm *jobs.Manager, graph osm.StreetGraphProvider, boundaryPaddingM float64) *IngestionService {
	return &IngestionService{
		db:        d,
		jobs:      jm,
		graph:     graph,
		paddingM:  boundaryPaddingM,
		batchSize: 500,
	}
}

// ingestTotals carries the counters accumulated while writing one
// version, so success can populate cached stats without a separate
// aggregate pass.
type ingestTotals struct {
	Segments         int
	Undriveable      int
	TotalLengthM     float64
	DriveableLengthM float64
}

func (t ingestTotals) stats() CachedStats {
	now := time.Now().UTC()
	return CachedStats{
		TotalSegments:    t.Segments,
		CoveredSegments:  0,
		TotalLengthM:     t.TotalLengthM,
		DrivenLengthM:    0,
		DriveableLengthM: t.DriveableLengthM,
		CoveragePercent:  0,
		ComputedAt:       &now,
	}
}

// Run executes one AREA_INGESTION job end to end: job bookkeeping,
// area status transitions, and the ingest itself. Meant to run on a
// background goroutine; all outcomes land on the area and job rows.
func (s *IngestionService) Run(ctx context.Context, areaID, jobID uuid.UUID) {
	if err := s.jobs.Start(ctx, jobID); err != nil {
		log.Printf("[ingestion] start job=%s: %v", jobID, err)
		return
	}

	var area Area
	if err := s.db.WithContext(ctx).First(&area, "id = ?", areaID).Error; err != nil {
		_ = s.jobs.Fail(ctx, jobID, fmt.Sprintf("load area: %v", err))
		return
	}

	if err := s.setStatus(ctx, areaID, StatusIngesting, ""); err != nil {
		_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		return
	}

	totals, err := s.IngestVersion(ctx, &area, area.CurrentVersion, jobID)
	if errors.Is(err, errCancelled) {
		log.Printf("[ingestion] cancelled area=%s job=%s", areaID, jobID)
		_ = s.setStatus(ctx, areaID, StatusError, "ingestion cancelled")
		return
	}
	if err != nil {
		log.Printf("[ingestion] failed area=%s: %v", areaID, err)
		// Partial data from the failed attempt stays in place for
		// diagnosis; the next run deletes it before writing.
		_ = s.setStatus(ctx, areaID, StatusError, truncateError(err))
		_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		return
	}

	now := time.Now().UTC()
	if err := writeStats(ctx, s.db, areaID, totals.stats()); err != nil {
		_ = s.setStatus(ctx, areaID, StatusError, truncateError(err))
		_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		return
	}
	err = s.db.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Updates(map[string]interface{}{
			"status":            StatusReady,
			"last_error":        "",
			"last_ingestion_at": &now,
		}).Error
	if err != nil {
		_ = s.jobs.Fail(ctx, jobID, truncateError(err))
		return
	}

	log.Printf("[ingestion] done area=%s version=%d segments=%d length=%.0fm",
		areaID, area.CurrentVersion, totals.Segments, totals.TotalLengthM)
	_ = s.jobs.Complete(ctx, jobID, "ingestion complete", jobs.Metrics{
		"segments":       totals.Segments,
		"undriveable":    totals.Undriveable,
		"total_length_m": totals.TotalLengthM,
	})
}

// IngestVersion fetches, segments and persists the street network for
// one (area, version). It does not touch area status or the job's
// terminal state; Run and RebuildService own those.
func (s *IngestionService) IngestVersion(ctx context.Context, area *Area, version int, jobID uuid.UUID) (*ingestTotals, error) {
	_ = s.jobs.Update(ctx, jobID, "fetching boundary", 2, "", nil)

	padded := s.paddedBoundary(ctx, area)

	_ = s.jobs.Update(ctx, jobID, "fetching street graph", 5, "", nil)
	edges, err := s.graph.StreetGraph(ctx, padded)
	if err != nil {
		return nil, fmt.Errorf("fetch street graph: %w", err)
	}
	log.Printf("[ingestion] area=%s version=%d edges=%d", area.ID, version, len(edges))

	// Re-run safety: a previous failed attempt at this exact version
	// may have left partial rows with colliding segment ids.
	if err := s.db.WithContext(ctx).
		Where("area_id = ? AND area_version = ?", area.ID, version).
		Delete(&Street{}).Error; err != nil {
		return nil, fmt.Errorf("delete stale streets: %w", err)
	}

	totals := &ingestTotals{}
	seq := 0
	var batch []Street

	// (segmentID, undriveable) for every street written, kept so the
	// coverage rows are created only after all streets are in.
	type pending struct {
		id          string
		undriveable bool
	}
	var allSegments []pending

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if s.jobs.Cancelled(ctx, jobID) {
			return errCancelled
		}
		if err := s.db.WithContext(ctx).Create(&batch).Error; err != nil {
			return fmt.Errorf("insert street batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for i, edge := range edges {
		var streets []Street
		streets, seq = segmentEdge(area.ID, version, edge, area.SegmentLengthM, seq)
		for _, st := range streets {
			totals.Segments++
			totals.TotalLengthM += st.LengthM
			if st.Undriveable {
				totals.Undriveable++
			} else {
				totals.DriveableLengthM += st.LengthM
			}
			allSegments = append(allSegments, pending{st.SegmentID, st.Undriveable})
			batch = append(batch, st)
		}

		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
			pct := 10 + 60*float64(i+1)/float64(len(edges))
			_ = s.jobs.Update(ctx, jobID, "segmenting streets", pct,
				fmt.Sprintf("%d/%d edges", i+1, len(edges)), nil)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	// Stale coverage rows for this exact version predate the streets
	// just written; drop them before creating the fresh set.
	_ = s.jobs.Update(ctx, jobID, "writing coverage state", 80, "", nil)
	if err := s.db.WithContext(ctx).
		Where("area_id = ? AND area_version = ?", area.ID, version).
		Delete(&CoverageState{}).Error; err != nil {
		return nil, fmt.Errorf("delete stale coverage state: %w", err)
	}

	now := time.Now().UTC()
	var cvBatch []CoverageState
	for i, p := range allSegments {
		status := SegmentUndriven
		if p.undriveable {
			status = SegmentUndriveable
		}
		cvBatch = append(cvBatch, CoverageState{
			SegmentID:      p.id,
			AreaID:         area.ID,
			AreaVersion:    version,
			Status:         status,
			ProvenanceType: ProvenanceSystem,
			UpdatedAt:      now,
		})
		if len(cvBatch) >= s.batchSize || i == len(allSegments)-1 {
			if s.jobs.Cancelled(ctx, jobID) {
				return nil, errCancelled
			}
			if err := s.db.WithContext(ctx).Create(&cvBatch).Error; err != nil {
				return nil, fmt.Errorf("insert coverage batch: %w", err)
			}
			cvBatch = cvBatch[:0]
		}
	}

	_ = s.jobs.Update(ctx, jobID, "finalizing", 95, "", nil)
	return totals, nil
}

// paddedBoundary buffers the boundary outward so streets are not
// truncated at the area edge during downstream routing. PostGIS does
// the geodesic buffer; if that fails we fall back to an approximate
// degree-based bbox expansion rather than aborting.
func (s *IngestionService) paddedBoundary(ctx context.Context, area *Area) orb.Geometry {
	var g geo.Geometry
	err := s.db.WithContext(ctx).
		Raw(`SELECT ST_Buffer(boundary::geography, ?)::geometry FROM coverage.areas WHERE id = ?`,
			s.paddingM, area.ID).
		Row().Scan(&g)
	if err == nil && g.Geom != nil {
		return g.Geom
	}
	log.Printf("[ingestion] geodesic buffer failed for area=%s, using bbox fallback: %v", area.ID, err)

	bound := orb.Bound{
		Min: orb.Point{area.BboxMinLon, area.BboxMinLat},
		Max: orb.Point{area.BboxMaxLon, area.BboxMaxLat},
	}
	return geo.ExpandBound(bound, s.paddingM).ToPolygon()
}

func (s *IngestionService) setStatus(ctx context.Context, areaID uuid.UUID, status, lastError string) error {
	err := s.db.WithContext(ctx).Model(&Area{}).
		Where("id = ?", areaID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
		}).Error
	if err != nil {
		return fmt.Errorf("set area status: %w", err)
	}
	return nil
}
