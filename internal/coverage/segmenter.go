package coverage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/osm"
)

// undriveableHighways is the static classification of OSM highway tags
// that cannot be covered by car. These segments still get coverage
// rows (status undriveable) so viewport rendering stays complete, but
// they are excluded from driveable length and from routing.
var undriveableHighways = map[string]bool{
	"footway":      true,
	"path":         true,
	"steps":        true,
	"cycleway":     true,
	"pedestrian":   true,
	"bridleway":    true,
	"corridor":     true,
	"platform":     true,
	"proposed":     true,
	"construction": true,
}

// UndriveableHighway reports whether a highway tag marks a segment a
// car cannot drive.
func UndriveableHighway(highway string) bool {
	return undriveableHighways[highway]
}

// segmentID derives the stable segment id for one emitted segment.
func segmentID(areaID uuid.UUID, version, seq int) string {
	return fmt.Sprintf("%s-%d-%d", areaID, version, seq)
}

// segmentEdge splits one graph edge into Street rows of roughly the
// target length. seq is the running counter over the whole ingestion;
// the returned value is the counter after this edge.
func segmentEdge(areaID uuid.UUID, version int, edge osm.GraphEdge, targetLengthM float64, seq int) ([]Street, int) {
	pieces := geo.SplitLineString(edge.Geometry, targetLengthM)
	if len(pieces) == 0 {
		return nil, seq
	}

	undriveable := UndriveableHighway(edge.Highway)
	streets := make([]Street, 0, len(pieces))
	for _, line := range pieces {
		b := line.Bound()
		streets = append(streets, Street{
			SegmentID:   segmentID(areaID, version, seq),
			AreaID:      areaID,
			AreaVersion: version,
			Geometry:    geo.Geometry{Geom: line},
			BboxMinLon:  b.Min[0],
			BboxMinLat:  b.Min[1],
			BboxMaxLon:  b.Max[0],
			BboxMaxLat:  b.Max[1],
			Name:        edge.Name,
			Highway:     edge.Highway,
			OSMWayID:    edge.OSMWayID,
			LengthM:     geo.LengthMeters(line),
			Undriveable: undriveable,
		})
		seq++
	}
	return streets, seq
}
