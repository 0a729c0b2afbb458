package routing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/coverage"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
)

// ErrAreaNotReady means routing was requested before the area finished
// ingesting (or after it errored).
var ErrAreaNotReady = errors.New("area is not ready for routing")

// cacheEntry pins the graph to the version it was built from; a
// version mismatch on access triggers a rebuild of the graph.
type cacheEntry struct {
	version int
	graph   *Graph
}

// Service owns the routing graph cache and route generation.
type Service struct {
	db    *gorm.DB
	jobs  *jobs.Manager
	cache *lru.Cache[uuid.UUID, *cacheEntry]
}

func NewService(d *gorm.DB, jm *jobs.Manager, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 16
	}
	c, err := lru.New[uuid.UUID, *cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("routing cache: %w", err)
	}
	return &Service{db: d, jobs: jm, cache: c}, nil
}

// Invalidate eagerly drops the cached graph for an area. RebuildService
// calls this on version cutover; the version check would catch it
// anyway on next access.
func (s *Service) Invalidate(areaID uuid.UUID) {
	s.cache.Remove(areaID)
}

// StartRoute creates a ROUTE_GENERATION job and generates the route on
// a background goroutine; the result lands in the job's metrics.
func (s *Service) StartRoute(ctx context.Context, areaID uuid.UUID, start *orb.Point) (*jobs.Job, error) {
	job, err := s.jobs.Create(ctx, jobs.TypeRouteGeneration, &areaID, "")
	if err != nil {
		return nil, err
	}
	go s.Run(context.Background(), areaID, start, job.ID)
	return job, nil
}

// Run executes one ROUTE_GENERATION job.
func (s *Service) Run(ctx context.Context, areaID uuid.UUID, start *orb.Point, jobID uuid.UUID) {
	if err := s.jobs.Start(ctx, jobID); err != nil {
		log.Printf("[routing] start job=%s: %v", jobID, err)
		return
	}
	res, err := s.GenerateRoute(ctx, areaID, start)
	if err != nil {
		_ = s.jobs.Fail(ctx, jobID, err.Error())
		return
	}
	metrics := jobs.Metrics{
		"undriven_segments":    res.UndrivenSegments,
		"included_segments":    res.IncludedSegments,
		"unreachable_segments": res.UnreachableSegments,
		"no_undriven_segments": res.NoUndrivenSegments,
		"length_m":             res.LengthM,
	}
	if res.Geometry != nil {
		metrics["geometry"] = res.Geometry
	}
	_ = s.jobs.Complete(ctx, jobID, "route generated", metrics)
}

// GenerateRoute produces an undriven-coverage route for the area at
// its current version. An area with nothing left to drive returns an
// empty route with NoUndrivenSegments set, not an error.
func (s *Service) GenerateRoute(ctx context.Context, areaID uuid.UUID, start *orb.Point) (*RouteResult, error) {
	var area coverage.Area
	err := s.db.WithContext(ctx).First(&area, "id = ?", areaID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coverage.ErrAreaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load area: %w", err)
	}
	if area.Status != coverage.StatusReady {
		return nil, fmt.Errorf("%w: status=%s", ErrAreaNotReady, area.Status)
	}

	graph, err := s.graphForArea(ctx, &area)
	if err != nil {
		return nil, err
	}

	var undriven []string
	err = s.db.WithContext(ctx).Model(&coverage.CoverageState{}).
		Where("area_id = ? AND area_version = ? AND status = ?",
			areaID, area.CurrentVersion, coverage.SegmentUndriven).
		Pluck("segment_id", &undriven).Error
	if err != nil {
		return nil, fmt.Errorf("load undriven set: %w", err)
	}

	res := generateRoute(graph, undriven, start)
	log.Printf("[routing] area=%s undriven=%d included=%d unreachable=%d length=%.0fm",
		areaID, res.UndrivenSegments, res.IncludedSegments, res.UnreachableSegments, res.LengthM)
	return res, nil
}

// graphForArea returns the cached graph when its version matches the
// area's current version, rebuilding it otherwise.
func (s *Service) graphForArea(ctx context.Context, area *coverage.Area) (*Graph, error) {
	if entry, ok := s.cache.Get(area.ID); ok && entry.version == area.CurrentVersion {
		return entry.graph, nil
	}

	var streets []coverage.Street
	err := s.db.WithContext(ctx).
		Where("area_id = ? AND area_version = ? AND undriveable = FALSE",
			area.ID, area.CurrentVersion).
		Find(&streets).Error
	if err != nil {
		return nil, fmt.Errorf("load streets: %w", err)
	}

	g := NewGraph()
	for _, st := range streets {
		line, ok := st.Geometry.Geom.(orb.LineString)
		if !ok {
			continue
		}
		g.AddEdge(st.SegmentID, line, st.LengthM)
	}
	s.cache.Add(area.ID, &cacheEntry{version: area.CurrentVersion, graph: g})
	log.Printf("[routing] built graph area=%s version=%d nodes=%d edges=%d",
		area.ID, area.CurrentVersion, len(g.Nodes), len(g.Edges))
	return g, nil
}
