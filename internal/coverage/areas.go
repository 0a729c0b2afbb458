package coverage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/config"
	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/osm"
	"github.com/DrivenStreets/DS-Backend/internal/trips"
)

// AreaManager owns area lifecycle: creation (which kicks off the first
// ingestion), deletion, spatial candidate lookup, rebuild triggering
// and trip fan-out.
type AreaManager struct {
	db       *gorm.DB
	jobs     *jobs.Manager
	ingest   *IngestionService
	rebuild  *RebuildService
	coverage *CoverageService
	boundary osm.BoundaryLookup
	defaults config.Segmentation
}

func NewAreaManager(d *gorm.DB, jm *jobs.Manager, ingest *IngestionService, rebuild *RebuildService, cov *CoverageService, boundary osm.BoundaryLookup, defaults config.Segmentation) *AreaManager {
	return &AreaManager{
		db:       d,
		jobs:     jm,
		ingest:   ingest,
		rebuild:  rebuild,
		coverage: cov,
		boundary: boundary,
		defaults: defaults,
	}
}

// CreateAreaRequest is the create payload. Custom areas supply
// Geometry; OSM areas supply OSMType+OSMID and the boundary is
// resolved via the lookup collaborator.
type CreateAreaRequest struct {
	DisplayName string            `json:"display_name"`
	AreaType    string            `json:"area_type"`
	OSMID       int64             `json:"osm_id,omitempty"`
	OSMType     string            `json:"osm_type,omitempty"`
	Geometry    *geojson.Geometry `json:"geometry,omitempty"`

	SegmentLengthM  *float64 `json:"segment_length_m,omitempty"`
	MatchBufferM    *float64 `json:"match_buffer_m,omitempty"`
	MinMatchLengthM *float64 `json:"min_match_length_m,omitempty"`
}

// Create persists the area and starts its first ingestion on a
// background goroutine; it returns immediately with the area in
// initializing state.
func (m *AreaManager) Create(ctx context.Context, req CreateAreaRequest) (*Area, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return nil, fmt.Errorf("display_name is required")
	}

	boundary, bound, osmID, err := m.resolveBoundary(ctx, req)
	if err != nil {
		return nil, err
	}

	area := &Area{
		ID:              uuid.New(),
		DisplayName:     name,
		AreaType:        req.AreaType,
		Boundary:        geo.Geometry{Geom: boundary},
		BboxMinLon:      bound.Min[0],
		BboxMinLat:      bound.Min[1],
		BboxMaxLon:      bound.Max[0],
		BboxMaxLat:      bound.Max[1],
		OSMID:           osmID,
		OSMType:         strings.ToLower(req.OSMType),
		SegmentLengthM:  orDefault(req.SegmentLengthM, m.defaults.SegmentLengthM),
		MatchBufferM:    orDefault(req.MatchBufferM, m.defaults.MatchBufferM),
		MinMatchLengthM: orDefault(req.MinMatchLengthM, m.defaults.MinMatchLengthM),
		CurrentVersion:  1,
		Status:          StatusInitializing,
	}

	if err := m.db.WithContext(ctx).Create(area).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("create area: %w", err)
	}

	job, err := m.jobs.Create(ctx, jobs.TypeAreaIngestion, &area.ID, "")
	if err != nil {
		return nil, fmt.Errorf("create ingestion job: %w", err)
	}

	log.Printf("[areas] created area=%s name=%q job=%s", area.ID, name, job.ID)
	// Detached context: the ingestion outlives the create request.
	go m.ingest.Run(context.Background(), area.ID, job.ID)

	return area, nil
}

func (m *AreaManager) resolveBoundary(ctx context.Context, req CreateAreaRequest) (orb.Geometry, orb.Bound, *int64, error) {
	switch req.AreaType {
	case AreaTypeCustom:
		if req.Geometry == nil {
			return nil, orb.Bound{}, nil, fmt.Errorf("custom area requires geometry")
		}
		g := req.Geometry.Geometry()
		switch g.(type) {
		case orb.Polygon, orb.MultiPolygon:
			return g, g.Bound(), nil, nil
		default:
			return nil, orb.Bound{}, nil, fmt.Errorf("boundary must be a polygon or multipolygon")
		}

	case AreaTypeOSM:
		if req.OSMID == 0 || req.OSMType == "" {
			return nil, orb.Bound{}, nil, fmt.Errorf("osm area requires osm_id and osm_type")
		}
		b, err := m.boundary.Lookup(ctx, req.OSMType, req.OSMID)
		if err != nil {
			return nil, orb.Bound{}, nil, fmt.Errorf("boundary lookup: %w", err)
		}
		osmID := req.OSMID
		if b.Geometry != nil {
			return b.Geometry, b.Bound, &osmID, nil
		}
		// Lookup yielded no polygon: fall back to the bbox rectangle.
		if b.Bound.IsZero() {
			return nil, orb.Bound{}, nil, ErrNoBoundary
		}
		log.Printf("[areas] osm %s/%d has no polygon, using bbox fallback", req.OSMType, req.OSMID)
		return b.Bound.ToPolygon(), b.Bound, &osmID, nil

	default:
		return nil, orb.Bound{}, nil, fmt.Errorf("unknown area_type %q", req.AreaType)
	}
}

// Get loads one area.
func (m *AreaManager) Get(ctx context.Context, areaID uuid.UUID) (*Area, error) {
	var area Area
	err := m.db.WithContext(ctx).First(&area, "id = ?", areaID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAreaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get area: %w", err)
	}
	return &area, nil
}

// List returns areas, optionally filtered by status.
func (m *AreaManager) List(ctx context.Context, status string) ([]Area, error) {
	q := m.db.WithContext(ctx).Order("display_name")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Area
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	return out, nil
}

// Delete removes the area and every versioned row that hangs off it.
func (m *AreaManager) Delete(ctx context.Context, areaID uuid.UUID) error {
	if _, err := m.Get(ctx, areaID); err != nil {
		return err
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("area_id = ?", areaID).Delete(&CoverageState{}).Error; err != nil {
			return fmt.Errorf("delete coverage state: %w", err)
		}
		if err := tx.Where("area_id = ?", areaID).Delete(&Street{}).Error; err != nil {
			return fmt.Errorf("delete streets: %w", err)
		}
		if err := tx.Where("area_id = ?", areaID).Delete(&jobs.Job{}).Error; err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		if err := tx.Delete(&Area{}, "id = ?", areaID).Error; err != nil {
			return fmt.Errorf("delete area: %w", err)
		}
		log.Printf("[areas] deleted area=%s", areaID)
		return nil
	})
}

// AreasIntersectingBbox is the cheap first stage of the two-stage
// spatial filter: an indexed bbox-overlap scan over ready areas only.
func (m *AreaManager) AreasIntersectingBbox(ctx context.Context, b orb.Bound) ([]Area, error) {
	var out []Area
	err := m.db.WithContext(ctx).
		Where("status = ?", StatusReady).
		Where("bbox_min_lon <= ? AND bbox_max_lon >= ?", b.Max[0], b.Min[0]).
		Where("bbox_min_lat <= ? AND bbox_max_lat >= ?", b.Max[1], b.Min[1]).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("bbox area lookup: %w", err)
	}
	return out, nil
}

// AreasIntersectingGeometry refines the bbox candidates with an exact
// polygon intersection test. Exact tests over every area would be too
// expensive, hence the two stages.
func (m *AreaManager) AreasIntersectingGeometry(ctx context.Context, g orb.Geometry) ([]Area, error) {
	candidates, err := m.AreasIntersectingBbox(ctx, g.Bound())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.ID)
	}

	var out []Area
	err = m.db.WithContext(ctx).
		Where("id IN ?", ids).
		Where("ST_Intersects(boundary, ST_GeomFromText(?, 4326))", wkt.MarshalString(g)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("exact area intersection: %w", err)
	}
	return out, nil
}

// TriggerRebuild creates a REBUILD job and hands off to the rebuild
// service. The partial unique index on active jobs rejects this
// atomically while an ingestion or rebuild is in flight.
func (m *AreaManager) TriggerRebuild(ctx context.Context, areaID uuid.UUID, preserveOverrides bool) (*jobs.Job, error) {
	if _, err := m.Get(ctx, areaID); err != nil {
		return nil, err
	}
	job, err := m.jobs.Create(ctx, jobs.TypeRebuild, &areaID, "")
	if err != nil {
		return nil, err
	}
	go m.rebuild.Run(context.Background(), areaID, preserveOverrides, job.ID)
	return job, nil
}

// HandleTripCompleted fans a completed trip out to every ready area it
// intersects, one TRIP_COVERAGE job per area. Jobs run concurrently;
// the coverage update protocol is idempotent so overlap is safe.
func (m *AreaManager) HandleTripCompleted(ctx context.Context, evt trips.CompletedEvent) ([]jobs.Job, error) {
	if evt.TripID == "" {
		return nil, fmt.Errorf("trip_id is required")
	}

	var areas []Area
	var tripGeom orb.Geometry
	var err error
	if evt.Geometry != nil {
		tripGeom = evt.Geometry.Geometry()
		areas, err = m.AreasIntersectingGeometry(ctx, tripGeom)
	} else {
		areas, err = m.AreasIntersectingBbox(ctx, evt.Bound())
	}
	if err != nil {
		return nil, err
	}

	var spawned []jobs.Job
	for _, area := range areas {
		job, err := m.jobs.Create(ctx, jobs.TypeTripCoverage, &area.ID, evt.TripID)
		if err != nil {
			log.Printf("[areas] trip=%s area=%s job create: %v", evt.TripID, area.ID, err)
			continue
		}
		spawned = append(spawned, *job)
		go m.coverage.Run(context.Background(), area.ID, evt.TripID, tripGeom, job.ID)
	}
	log.Printf("[areas] trip=%s matched areas=%d", evt.TripID, len(spawned))
	return spawned, nil
}

func orDefault(v *float64, def float64) float64 {
	if v != nil && *v > 0 {
		return *v
	}
	return def
}
