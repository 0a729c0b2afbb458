package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
)

// MaxViewportFeatures caps a single viewport query. Whole-area
// geometry is infeasible for interactive rendering; clients page by
// zooming.
const MaxViewportFeatures = 5000

// ViewportResult is a GeoJSON feature collection plus a flag telling
// the client the cap was hit.
type ViewportResult struct {
	Features  *geojson.FeatureCollection `json:"features"`
	Truncated bool                       `json:"truncated"`
}

// StreetsInBbox returns the current version's street geometry inside a
// bbox.
func (m *AreaManager) StreetsInBbox(ctx context.Context, areaID uuid.UUID, bound orb.Bound) (*ViewportResult, error) {
	area, err := m.Get(ctx, areaID)
	if err != nil {
		return nil, err
	}

	type row struct {
		SegmentID   string
		Name        string
		Highway     string
		LengthM     float64
		Undriveable bool
		Geometry    geo.Geometry
	}
	var rows []row
	err = viewportQuery(m.db, ctx, bound, `
		SELECT s.segment_id, s.name, s.highway, s.length_m, s.undriveable, s.geometry
		FROM coverage.streets s
		WHERE s.area_id = @area AND s.area_version = @version
		  AND ST_Intersects(s.geometry, ST_MakeEnvelope(@minlon, @minlat, @maxlon, @maxlat, 4326))
		LIMIT @limit
	`, area).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("streets in bbox: %w", err)
	}

	truncated := len(rows) > MaxViewportFeatures
	if truncated {
		rows = rows[:MaxViewportFeatures]
	}

	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		f := geojson.NewFeature(r.Geometry.Geom)
		f.Properties = geojson.Properties{
			"segment_id":  r.SegmentID,
			"name":        r.Name,
			"highway":     r.Highway,
			"length_m":    r.LengthM,
			"undriveable": r.Undriveable,
		}
		fc.Append(f)
	}
	return &ViewportResult{Features: fc, Truncated: truncated}, nil
}

// CoverageInBbox returns street geometry joined with its coverage
// state inside a bbox.
func (m *AreaManager) CoverageInBbox(ctx context.Context, areaID uuid.UUID, bound orb.Bound) (*ViewportResult, error) {
	area, err := m.Get(ctx, areaID)
	if err != nil {
		return nil, err
	}

	type row struct {
		SegmentID      string
		Name           string
		LengthM        float64
		Status         string
		ManualOverride bool
		LastDrivenAt   *time.Time
		Geometry       geo.Geometry
	}
	var rows []row
	err = viewportQuery(m.db, ctx, bound, `
		SELECT s.segment_id, s.name, s.length_m, s.geometry,
		       cs.status, cs.manual_override, cs.last_driven_at
		FROM coverage.streets s
		JOIN coverage.coverage_states cs ON cs.segment_id = s.segment_id
		WHERE s.area_id = @area AND s.area_version = @version
		  AND ST_Intersects(s.geometry, ST_MakeEnvelope(@minlon, @minlat, @maxlon, @maxlat, 4326))
		LIMIT @limit
	`, area).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("coverage in bbox: %w", err)
	}

	truncated := len(rows) > MaxViewportFeatures
	if truncated {
		rows = rows[:MaxViewportFeatures]
	}

	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		f := geojson.NewFeature(r.Geometry.Geom)
		props := geojson.Properties{
			"segment_id":      r.SegmentID,
			"name":            r.Name,
			"length_m":        r.LengthM,
			"status":          r.Status,
			"manual_override": r.ManualOverride,
		}
		if r.LastDrivenAt != nil {
			props["last_driven_at"] = r.LastDrivenAt.Format(time.RFC3339)
		}
		f.Properties = props
		fc.Append(f)
	}
	return &ViewportResult{Features: fc, Truncated: truncated}, nil
}

// viewportQuery binds the shared named parameters. One extra row past
// the cap is fetched to detect truncation.
func viewportQuery(d *gorm.DB, ctx context.Context, bound orb.Bound, sql string, area *Area) *gorm.DB {
	return d.WithContext(ctx).Raw(sql,
		map[string]interface{}{
			"area":    area.ID,
			"version": area.CurrentVersion,
			"minlon":  bound.Min[0],
			"minlat":  bound.Min[1],
			"maxlon":  bound.Max[0],
			"maxlat":  bound.Max[1],
			"limit":   MaxViewportFeatures + 1,
		})
}
