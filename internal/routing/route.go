package routing

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
)

// RouteResult is a single ordered polyline covering the area's
// undriven segments, plus counts describing how complete it is.
type RouteResult struct {
	Geometry            *geojson.Geometry `json:"geometry,omitempty"`
	LengthM             float64           `json:"length_m"`
	UndrivenSegments    int               `json:"undriven_segments"`
	IncludedSegments    int               `json:"included_segments"`
	UnreachableSegments int               `json:"unreachable_segments"`
	NoUndrivenSegments  bool              `json:"no_undriven_segments"`
}

// generateRoute is the greedy nearest-neighbor pass: from the current
// position, compute shortest paths to the nearer endpoint of every
// remaining undriven edge, take the globally closest, append the
// connecting path plus the edge itself, and repeat from the edge's far
// end until nothing reachable remains.
func generateRoute(g *Graph, undrivenIDs []string, start *orb.Point) *RouteResult {
	remaining := make(map[int]bool)
	for _, id := range undrivenIDs {
		if ei, ok := g.EdgeBySegment(id); ok {
			remaining[ei] = true
		}
	}
	res := &RouteResult{UndrivenSegments: len(remaining)}
	if len(remaining) == 0 {
		res.NoUndrivenSegments = true
		return res
	}

	current := -1
	if start != nil {
		current = g.NearestNode(*start)
	}
	if current < 0 {
		// No start point: begin at an endpoint of the first undriven
		// edge we know about.
		for _, id := range undrivenIDs {
			if ei, ok := g.EdgeBySegment(id); ok && remaining[ei] {
				current = g.Edges[ei].From
				break
			}
		}
	}

	var route orb.LineString
	for len(remaining) > 0 {
		dist, prev := g.shortestFrom(current)

		bestEdge, bestEntry := -1, -1
		bestDist := math.Inf(1)
		for ei := range remaining {
			e := g.Edges[ei]
			for _, n := range [2]int{e.From, e.To} {
				if dist[n] < bestDist {
					bestDist = dist[n]
					bestEdge, bestEntry = ei, n
				}
			}
		}
		if bestEdge < 0 || math.IsInf(bestDist, 1) {
			res.UnreachableSegments = len(remaining)
			break
		}

		route = appendLine(route, g.pathPolyline(prev, current, bestEntry))

		e := g.Edges[bestEdge]
		seg := e.Geometry
		if geo.RoundPoint(seg[0]) != g.Nodes[bestEntry] {
			seg = reverseLine(seg)
		}
		route = appendLine(route, seg)

		res.LengthM += bestDist + e.LengthM
		res.IncludedSegments++
		delete(remaining, bestEdge)
		current = e.other(bestEntry)
	}

	if len(route) > 0 {
		res.Geometry = geojson.NewGeometry(route)
	}
	return res
}
