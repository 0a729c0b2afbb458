package geo

import (
	"database/sql/driver"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
)

// Geometry wraps an orb.Geometry so gorm can read and write PostGIS
// geometry columns (EWKB, SRID 4326). The column type itself comes from
// the model's `gorm:"type:geometry(...)"` tag.
type Geometry struct {
	Geom orb.Geometry
}

func (g Geometry) Value() (driver.Value, error) {
	if g.Geom == nil {
		return nil, nil
	}
	return ewkb.Value(g.Geom, 4326).Value()
}

func (g *Geometry) Scan(src interface{}) error {
	if src == nil {
		g.Geom = nil
		return nil
	}
	s := ewkb.Scanner(nil)
	if err := s.Scan(src); err != nil {
		return err
	}
	g.Geom = s.Geometry
	return nil
}
