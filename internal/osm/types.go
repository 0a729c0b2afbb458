// Package osm holds the clients for the OSM-backed collaborators: the
// Nominatim-style boundary lookup and the Overpass-style street graph
// provider. Both sit behind small interfaces so the coverage services
// can be tested with fakes.
package osm

import "github.com/paulmach/orb"

// GraphEdge is one routable way returned by the street graph provider,
// before segmentation.
type GraphEdge struct {
	OSMWayID int64
	Name     string
	Highway  string
	Geometry orb.LineString
}

// Boundary is the result of a boundary lookup: the polygon (or
// multipolygon) for the requested OSM object plus its bounding box.
// Geometry may be nil when the object has no polygon representation;
// callers fall back to the bbox.
type Boundary struct {
	DisplayName string
	Geometry    orb.Geometry
	Bound       orb.Bound
}
